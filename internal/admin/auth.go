package admin

import (
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// Account is an administrator allowed to use the API. Password is either a
// bcrypt hash or a plaintext password that is hashed at startup.
type Account struct {
	Username string
	Password string
}

// Authenticator checks HTTP basic credentials against bcrypt hashes.
type Authenticator struct {
	hashes map[string][]byte
	// dummy keeps unknown usernames as slow as known ones.
	dummy []byte
}

// NewAuthenticator prepares the account table.
func NewAuthenticator(accounts []Account) (*Authenticator, error) {
	a := &Authenticator{hashes: make(map[string][]byte, len(accounts))}

	for _, acct := range accounts {
		if acct.Username == "" || acct.Password == "" {
			return nil, fmt.Errorf("account %q: username and password are required", acct.Username)
		}
		hash, err := hashPassword(acct.Password)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", acct.Username, err)
		}
		a.hashes[acct.Username] = hash
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("carrier"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.dummy = dummy

	return a, nil
}

func hashPassword(password string) ([]byte, error) {
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return []byte(password), nil
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Valid reports whether username and password match a configured account.
func (a *Authenticator) Valid(username, password string) bool {
	hash, ok := a.hashes[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummy, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Middleware rejects requests without valid basic credentials.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !a.Valid(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="carrier", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
