// Package postgres provides a PostgreSQL-backed implementation of the
// full storage.Datastore contract using the pgx driver. The single-use
// token semantics rely on conditional updates, so they hold across
// multiple server instances sharing one database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/token"
)

// consumedRetention is how long redeemed single-use tokens are kept so a
// replay attempt can be distinguished from an unknown token.
const consumedRetention = 24 * time.Hour

// Store is a PostgreSQL implementation of storage.Datastore.
type Store struct {
	db *sql.DB
}

var _ storage.Datastore = (*Store)(nil)

// Open connects to the database. Callers should follow with EnsureSchema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying pool, for migrations and health checks.
func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema applies the idempotent schema statements.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode json: %w", err)
	}
	return b, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("postgres: decode json: %w", err)
	}
	return nil
}

// ------------------------------------------------------------
// ClientStore
// ------------------------------------------------------------

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var (
		client  storage.Client
		hashes  []byte
		uris    []byte
		owners  []byte
		acl     []byte
		created time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, secret_hashes, redirect_uris, owners, acl, created_at
		from clients where id=$1
	`, clientID).Scan(&client.ID, &client.Name, &hashes, &uris, &owners, &acl, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	if err != nil {
		return nil, err
	}
	client.CreatedAt = created
	if err := unmarshalJSON(hashes, &client.SecretHashes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(uris, &client.RedirectURIs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(owners, &client.Owners); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(acl, &client.ACL); err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}
	hashes, err := marshalJSON(client.SecretHashes)
	if err != nil {
		return err
	}
	uris, err := marshalJSON(client.RedirectURIs)
	if err != nil {
		return err
	}
	owners, err := marshalJSON(client.Owners)
	if err != nil {
		return err
	}
	acl, err := marshalJSON(client.ACL)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into clients (id, name, secret_hashes, redirect_uris, owners, acl, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do update set
			name=excluded.name,
			secret_hashes=excluded.secret_hashes,
			redirect_uris=excluded.redirect_uris,
			owners=excluded.owners,
			acl=excluded.acl
	`, client.ID, client.Name, hashes, uris, owners, acl, client.CreatedAt)
	return err
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `delete from clients where id=$1`, clientID)
	return err
}

// ------------------------------------------------------------
// PermissionStore
// ------------------------------------------------------------

func (s *Store) GetPermission(ctx context.Context, name string) (*storage.Permission, error) {
	var perm storage.Permission
	err := s.db.QueryRowContext(ctx, `
		select name, is_available from permissions where name=$1
	`, name).Scan(&perm.Name, &perm.IsAvailable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: permission %s", storage.ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*storage.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select name, is_available from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*storage.Permission
	for rows.Next() {
		var perm storage.Permission
		if err := rows.Scan(&perm.Name, &perm.IsAvailable); err != nil {
			return nil, err
		}
		perms = append(perms, &perm)
	}
	return perms, rows.Err()
}

func (s *Store) SavePermission(ctx context.Context, perm *storage.Permission) error {
	if perm == nil || perm.Name == "" {
		return fmt.Errorf("invalid permission")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into permissions (name, is_available) values ($1,$2)
		on conflict (name) do update set is_available=excluded.is_available
	`, perm.Name, perm.IsAvailable)
	return err
}

// ------------------------------------------------------------
// UserStore
// ------------------------------------------------------------

const userColumns = `id, username, given_name, family_name, email, email_verified,
	phone, phone_verified, groups, use_two_factor`

func (s *Store) scanUser(row *sql.Row) (*storage.User, error) {
	var (
		user   storage.User
		groups []byte
	)
	err := row.Scan(&user.ID, &user.Username, &user.Name.Given, &user.Name.Family,
		&user.Email, &user.EmailVerified, &user.Phone, &user.PhoneVerified,
		&groups, &user.UseTwoFactor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(groups, &user.Groups); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, userID))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username))
}

func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("invalid user")
	}
	groups, err := marshalJSON(user.Groups)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into users (id, username, given_name, family_name, email, email_verified,
			phone, phone_verified, groups, use_two_factor)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (id) do update set
			username=excluded.username,
			given_name=excluded.given_name,
			family_name=excluded.family_name,
			email=excluded.email,
			email_verified=excluded.email_verified,
			phone=excluded.phone,
			phone_verified=excluded.phone_verified,
			groups=excluded.groups,
			use_two_factor=excluded.use_two_factor
	`, user.ID, user.Username, user.Name.Given, user.Name.Family, user.Email,
		user.EmailVerified, user.Phone, user.PhoneVerified, groups, user.UseTwoFactor)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: username %s", storage.ErrDuplicate, user.Username)
	}
	return err
}

// isUniqueViolation matches the SQLSTATE for unique constraint failures.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	return errors.As(err, &c) && c.SQLState() == "23505"
}

// ------------------------------------------------------------
// AuthMethodStore
// ------------------------------------------------------------

const authMethodColumns = `user_id, method, data, allow_single_factor,
	allow_two_factor, allow_password_reset, last_challenged_at`

func scanAuthMethod(scan func(dest ...any) error) (*storage.AuthenticationMethod, error) {
	var (
		record        storage.AuthenticationMethod
		data          []byte
		lastChallenge sql.NullTime
	)
	err := scan(&record.UserID, &record.Method, &data, &record.AllowSingleFactor,
		&record.AllowTwoFactor, &record.AllowPasswordReset, &lastChallenge)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(data, &record.Data); err != nil {
		return nil, err
	}
	if lastChallenge.Valid {
		record.LastChallengedAt = lastChallenge.Time
	}
	return &record, nil
}

func (s *Store) ListAuthMethods(ctx context.Context, userID string) ([]*storage.AuthenticationMethod, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+authMethodColumns+` from auth_methods where user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []*storage.AuthenticationMethod
	for rows.Next() {
		record, err := scanAuthMethod(rows.Scan)
		if err != nil {
			return nil, err
		}
		methods = append(methods, record)
	}
	return methods, rows.Err()
}

func (s *Store) GetAuthMethod(ctx context.Context, userID string, method storage.AuthMethod) (*storage.AuthenticationMethod, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+authMethodColumns+` from auth_methods where user_id=$1 and method=$2`,
		userID, method)
	record, err := scanAuthMethod(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: auth method %s for user %s", storage.ErrNotFound, method, userID)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) SaveAuthMethod(ctx context.Context, record *storage.AuthenticationMethod) error {
	if record == nil || record.UserID == "" || record.Method == "" {
		return fmt.Errorf("invalid authentication method")
	}
	data, err := marshalJSON(record.Data)
	if err != nil {
		return err
	}
	var lastChallenge sql.NullTime
	if !record.LastChallengedAt.IsZero() {
		lastChallenge = sql.NullTime{Time: record.LastChallengedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into auth_methods (user_id, method, data, allow_single_factor,
			allow_two_factor, allow_password_reset, last_challenged_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (user_id, method) do update set
			data=excluded.data,
			allow_single_factor=excluded.allow_single_factor,
			allow_two_factor=excluded.allow_two_factor,
			allow_password_reset=excluded.allow_password_reset,
			last_challenged_at=excluded.last_challenged_at
	`, record.UserID, record.Method, data, record.AllowSingleFactor,
		record.AllowTwoFactor, record.AllowPasswordReset, lastChallenge)
	return err
}

func (s *Store) DeleteAuthMethod(ctx context.Context, userID string, method storage.AuthMethod) error {
	_, err := s.db.ExecContext(ctx,
		`delete from auth_methods where user_id=$1 and method=$2`, userID, method)
	return err
}

// ------------------------------------------------------------
// AuthorizationStore
// ------------------------------------------------------------

func scanAuthorization(scan func(dest ...any) error) (*storage.ClientAuthorization, error) {
	var (
		auth  storage.ClientAuthorization
		perms []byte
	)
	err := scan(&auth.ID, &auth.ClientID, &auth.UserID, &perms,
		&auth.AuthorizedAt, &auth.LastUpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(perms, &auth.Permissions); err != nil {
		return nil, err
	}
	return &auth, nil
}

func (s *Store) GetAuthorization(ctx context.Context, id string) (*storage.ClientAuthorization, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, client_id, user_id, permissions, authorized_at, last_updated_at
		from authorizations where id=$1
	`, id)
	auth, err := scanAuthorization(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: authorization %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return auth, nil
}

func (s *Store) queryAuthorizations(ctx context.Context, query string, args ...any) ([]*storage.ClientAuthorization, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auths []*storage.ClientAuthorization
	for rows.Next() {
		auth, err := scanAuthorization(rows.Scan)
		if err != nil {
			return nil, err
		}
		auths = append(auths, auth)
	}
	return auths, rows.Err()
}

func (s *Store) FindAuthorizations(ctx context.Context, clientID, userID string) ([]*storage.ClientAuthorization, error) {
	return s.queryAuthorizations(ctx, `
		select id, client_id, user_id, permissions, authorized_at, last_updated_at
		from authorizations where client_id=$1 and user_id=$2
		order by authorized_at asc
	`, clientID, userID)
}

func (s *Store) ListAuthorizations(ctx context.Context) ([]*storage.ClientAuthorization, error) {
	return s.queryAuthorizations(ctx, `
		select id, client_id, user_id, permissions, authorized_at, last_updated_at
		from authorizations
	`)
}

func (s *Store) SaveAuthorization(ctx context.Context, auth *storage.ClientAuthorization) error {
	if auth == nil || auth.ID == "" {
		return fmt.Errorf("invalid authorization")
	}
	perms, err := marshalJSON(auth.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into authorizations (id, client_id, user_id, permissions, authorized_at, last_updated_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (id) do update set
			permissions=excluded.permissions,
			last_updated_at=excluded.last_updated_at
	`, auth.ID, auth.ClientID, auth.UserID, perms, auth.AuthorizedAt, auth.LastUpdatedAt)
	return err
}

func (s *Store) DeleteAuthorization(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from authorizations where id=$1`, id)
	return err
}

// ------------------------------------------------------------
// TokenStore
// ------------------------------------------------------------

func scanToken(scan func(dest ...any) error) (*storage.Token, error) {
	var (
		record   storage.Token
		metadata []byte
	)
	err := scan(&record.Token, &record.Type, &record.IssuedAt,
		&record.ClientID, &record.AuthorizationID, &metadata)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &record.Metadata); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) GetToken(ctx context.Context, tok string) (*storage.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		select token, type, issued_at, client_id, authorization_id, metadata
		from tokens where token=$1 and consumed_at is null
	`, tok)
	record, err := scanToken(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) GetTokenByUserCode(ctx context.Context, userCode string) (*storage.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		select token, type, issued_at, client_id, authorization_id, metadata
		from tokens
		where type=$1 and metadata->'device'->>'userCode'=$2 and consumed_at is null
	`, token.TypeDeviceCode, userCode)
	record, err := scanToken(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user code", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) ListTokensByAuthorization(ctx context.Context, authorizationID string) ([]*storage.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		select token, type, issued_at, client_id, authorization_id, metadata
		from tokens where authorization_id=$1 and consumed_at is null
	`, authorizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*storage.Token
	for rows.Next() {
		record, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) SaveToken(ctx context.Context, t *storage.Token) error {
	if t == nil || t.Token == "" {
		return fmt.Errorf("invalid token")
	}
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into tokens (token, type, issued_at, client_id, authorization_id, metadata)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (token) do update set
			authorization_id=excluded.authorization_id,
			metadata=excluded.metadata
	`, t.Token, t.Type, t.IssuedAt, t.ClientID, t.AuthorizationID, metadata)
	return err
}

func (s *Store) DeleteToken(ctx context.Context, tok string) error {
	_, err := s.db.ExecContext(ctx, `delete from tokens where token=$1`, tok)
	return err
}

// ConsumeToken flips consumed_at with a conditional update, so exactly
// one of any number of concurrent redemptions succeeds. Consumed rows
// stay until the retention sweep; a replay finds one and gets
// ErrConsumed together with the record, which lets the caller revoke
// tokens derived from the first redemption.
func (s *Store) ConsumeToken(ctx context.Context, tok string, typ token.Type) (*storage.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		update tokens set consumed_at=now()
		where token=$1 and type=$2 and consumed_at is null
		returning token, type, issued_at, client_id, authorization_id, metadata
	`, tok, typ)
	record, err := scanToken(row.Scan)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// The update matched nothing: either the token never existed (or has
	// the wrong type), or it was already consumed.
	row = s.db.QueryRowContext(ctx, `
		select token, type, issued_at, client_id, authorization_id, metadata
		from tokens where token=$1 and type=$2 and consumed_at is not null
	`, tok, typ)
	record, err = scanToken(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, typ)
	}
	if err != nil {
		return nil, err
	}
	return record, fmt.Errorf("%w: %s", storage.ErrConsumed, typ)
}

// AuthorizeDevice binds a still-undecided device code to an
// authorization with a conditional update. A decided code yields
// ErrConsumed.
func (s *Store) AuthorizeDevice(ctx context.Context, userCode, authorizationID string) (*storage.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		update tokens
		set authorization_id=$2,
			metadata = jsonb_set(metadata, '{device,isAuthorized}', 'true')
		where type=$3
			and metadata->'device'->>'userCode'=$1
			and consumed_at is null
			and authorization_id=''
			and coalesce((metadata->'device'->>'isAuthorized')::boolean, false) = false
			and coalesce((metadata->'device'->>'isRejected')::boolean, false) = false
		returning token, type, issued_at, client_id, authorization_id, metadata
	`, userCode, authorizationID, token.TypeDeviceCode)
	record, err := scanToken(row.Scan)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from tokens
			where type=$2 and metadata->'device'->>'userCode'=$1 and consumed_at is null
		)
	`, userCode, token.TypeDeviceCode).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: device code already decided", storage.ErrConsumed)
	}
	return nil, fmt.Errorf("%w: user code", storage.ErrNotFound)
}

// RejectDevice flips isRejected on a still-undecided device code with a
// conditional update. A decided code yields ErrConsumed.
func (s *Store) RejectDevice(ctx context.Context, userCode string) (*storage.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		update tokens
		set metadata = jsonb_set(metadata, '{device,isRejected}', 'true')
		where type=$2
			and metadata->'device'->>'userCode'=$1
			and consumed_at is null
			and authorization_id=''
			and coalesce((metadata->'device'->>'isAuthorized')::boolean, false) = false
			and coalesce((metadata->'device'->>'isRejected')::boolean, false) = false
		returning token, type, issued_at, client_id, authorization_id, metadata
	`, userCode, token.TypeDeviceCode)
	record, err := scanToken(row.Scan)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from tokens
			where type=$2 and metadata->'device'->>'userCode'=$1 and consumed_at is null
		)
	`, userCode, token.TypeDeviceCode).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: device code already decided", storage.ErrConsumed)
	}
	return nil, fmt.Errorf("%w: user code", storage.ErrNotFound)
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, codec *token.Codec) (int, error) {
	removed := 0
	for _, typ := range []token.Type{
		token.TypeAuthorizationCode,
		token.TypeAccessToken,
		token.TypeRefreshToken,
		token.TypeDeviceCode,
		token.TypeAccountToken,
	} {
		d := codec.ValidityDuration(typ)
		if d == token.NeverExpires {
			continue
		}
		res, err := s.db.ExecContext(ctx, `
			delete from tokens
			where type=$1 and consumed_at is null and issued_at < now() - make_interval(secs => $2)
		`, typ, d.Seconds())
		if err != nil {
			return removed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		delete from tokens where consumed_at is not null and consumed_at < now() - make_interval(secs => $1)
	`, consumedRetention.Seconds())
	if err != nil {
		return removed, err
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}
	return removed, nil
}

// ------------------------------------------------------------
// SessionStore
// ------------------------------------------------------------

func (s *Store) GetSession(ctx context.Context, tok string) (*storage.SessionToken, error) {
	var (
		session  storage.SessionToken
		document []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select token, ip, issued_at, last_used, expires_at, document
		from sessions where token=$1
	`, tok).Scan(&session.Token, &session.IP, &session.IssuedAt,
		&session.LastUsed, &session.ExpiresAt, &document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(document, &session.Document); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) SaveSession(ctx context.Context, session *storage.SessionToken) error {
	if session == nil || session.Token == "" {
		return fmt.Errorf("invalid session")
	}
	document, err := marshalJSON(session.Document)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sessions (token, ip, issued_at, last_used, expires_at, document)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (token) do update set
			last_used=excluded.last_used,
			expires_at=excluded.expires_at,
			document=excluded.document
	`, session.Token, session.IP, session.IssuedAt, session.LastUsed,
		session.ExpiresAt, document)
	return err
}

func (s *Store) DeleteSession(ctx context.Context, tok string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where token=$1`, tok)
	return err
}

func (s *Store) CountSessionsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from sessions where ip=$1 and issued_at >= $2
	`, ip, since).Scan(&count)
	return count, err
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
