package storage

// Deep-copy support for records that carry slices or pointers. Stores
// clone at the boundary in both directions so a caller can never mutate
// persisted state through a returned record, and persisted state never
// changes under a snapshot a caller already holds.

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Clone returns a deep copy of the ACL.
func (acl AccessControlList) Clone() AccessControlList {
	return AccessControlList{
		AllowedUsers:       cloneStrings(acl.AllowedUsers),
		AllowedGroups:      cloneStrings(acl.AllowedGroups),
		AllowedPermissions: cloneStrings(acl.AllowedPermissions),
	}
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	clone := *c
	clone.SecretHashes = cloneStrings(c.SecretHashes)
	clone.RedirectURIs = cloneStrings(c.RedirectURIs)
	clone.Owners = cloneStrings(c.Owners)
	clone.ACL = c.ACL.Clone()
	return &clone
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	clone := *u
	clone.Groups = cloneStrings(u.Groups)
	return &clone
}

// Clone returns a deep copy of the authorization.
func (a *ClientAuthorization) Clone() *ClientAuthorization {
	clone := *a
	clone.Permissions = cloneStrings(a.Permissions)
	return &clone
}

// Clone returns a deep copy of the metadata union.
func (m TokenMetadata) Clone() TokenMetadata {
	var clone TokenMetadata
	if m.Code != nil {
		code := *m.Code
		clone.Code = &code
	}
	if m.Device != nil {
		device := *m.Device
		clone.Device = &device
	}
	return clone
}

// Clone returns a deep copy of the token record.
func (t *Token) Clone() *Token {
	clone := *t
	clone.Metadata = t.Metadata.Clone()
	return &clone
}

// Clone returns a deep copy of the method data union.
func (d AuthMethodData) Clone() AuthMethodData {
	var clone AuthMethodData
	if d.Password != nil {
		v := *d.Password
		clone.Password = &v
	}
	if d.OTP != nil {
		v := *d.OTP
		clone.OTP = &v
	}
	if d.SMS != nil {
		v := *d.SMS
		clone.SMS = &v
	}
	if d.Email != nil {
		v := *d.Email
		clone.Email = &v
	}
	if d.PGP != nil {
		v := *d.PGP
		clone.PGP = &v
	}
	if d.SecurityKey != nil {
		v := *d.SecurityKey
		v.CredentialID = cloneBytes(d.SecurityKey.CredentialID)
		v.PublicKey = cloneBytes(d.SecurityKey.PublicKey)
		v.AAGUID = cloneBytes(d.SecurityKey.AAGUID)
		v.UserHandle = cloneBytes(d.SecurityKey.UserHandle)
		clone.SecurityKey = &v
	}
	return clone
}

// Clone returns a deep copy of the authentication method record.
func (m *AuthenticationMethod) Clone() *AuthenticationMethod {
	clone := *m
	clone.Data = m.Data.Clone()
	return &clone
}

// Clone returns a deep copy of the session document.
func (d SessionDocument) Clone() SessionDocument {
	clone := d
	if d.Users != nil {
		clone.Users = make([]SessionUser, len(d.Users))
		copy(clone.Users, d.Users)
	}
	if d.PreviouslyLoggedIn != nil {
		clone.PreviouslyLoggedIn = make([]SessionUser, len(d.PreviouslyLoggedIn))
		copy(clone.PreviouslyLoggedIn, d.PreviouslyLoggedIn)
	}
	if d.ExtendedAuthentication != nil {
		v := *d.ExtendedAuthentication
		clone.ExtendedAuthentication = &v
	}
	if d.AuthenticationStatus != nil {
		var v AuthenticationStatus
		if d.AuthenticationStatus.Email != nil {
			email := *d.AuthenticationStatus.Email
			v.Email = &email
		}
		if d.AuthenticationStatus.Phone != nil {
			phone := *d.AuthenticationStatus.Phone
			v.Phone = &phone
		}
		clone.AuthenticationStatus = &v
	}
	if d.PasswordReset != nil {
		v := *d.PasswordReset
		clone.PasswordReset = &v
	}
	if d.Registering != nil {
		v := *d.Registering
		clone.Registering = &v
	}
	return clone
}

// Clone returns a deep copy of the session token.
func (s *SessionToken) Clone() *SessionToken {
	clone := *s
	clone.Document = s.Document.Clone()
	return &clone
}
