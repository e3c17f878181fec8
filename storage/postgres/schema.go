package postgres

// schema is applied by EnsureSchema. Statements are idempotent so the
// store can be pointed at a fresh or existing database.
const schema = `
create table if not exists clients (
	id            text primary key,
	name          text not null,
	secret_hashes jsonb not null default '[]',
	redirect_uris jsonb not null default '[]',
	owners        jsonb not null default '[]',
	acl           jsonb not null default '{}',
	created_at    timestamptz not null default now()
);

create table if not exists permissions (
	name         text primary key,
	is_available boolean not null default true
);

create table if not exists users (
	id             text primary key,
	username       text not null unique,
	given_name     text not null default '',
	family_name    text not null default '',
	email          text not null default '',
	email_verified boolean not null default false,
	phone          text not null default '',
	phone_verified boolean not null default false,
	groups         jsonb not null default '[]',
	use_two_factor boolean not null default false
);

create table if not exists auth_methods (
	user_id              text not null references users(id) on delete cascade,
	method               text not null,
	data                 jsonb not null default '{}',
	allow_single_factor  boolean not null default false,
	allow_two_factor     boolean not null default false,
	allow_password_reset boolean not null default false,
	last_challenged_at   timestamptz,
	primary key (user_id, method)
);

create table if not exists authorizations (
	id              text primary key,
	client_id       text not null,
	user_id         text not null,
	permissions     jsonb not null default '[]',
	authorized_at   timestamptz not null,
	last_updated_at timestamptz not null
);

create index if not exists authorizations_client_user_idx
	on authorizations (client_id, user_id);

create table if not exists tokens (
	token            text primary key,
	type             text not null,
	issued_at        timestamptz not null,
	client_id        text not null,
	authorization_id text not null default '',
	metadata         jsonb not null default '{}',
	consumed_at      timestamptz
);

create index if not exists tokens_authorization_idx
	on tokens (authorization_id);

create unique index if not exists tokens_user_code_idx
	on tokens ((metadata->'device'->>'userCode'))
	where metadata->'device'->>'userCode' is not null;

create table if not exists sessions (
	token      text primary key,
	ip         text not null,
	issued_at  timestamptz not null,
	last_used  timestamptz not null,
	expires_at timestamptz not null,
	document   jsonb not null default '{}'
);

create index if not exists sessions_ip_issued_idx
	on sessions (ip, issued_at);
`
