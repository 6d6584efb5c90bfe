package session

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

const cookieName = "token"

// MemoryBacking keeps the token in process memory. A zero ttl never expires.
type MemoryBacking struct {
	token     string
	expiresAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

func NewMemoryBacking(ttl time.Duration) *MemoryBacking {
	return &MemoryBacking{ttl: ttl, now: time.Now}
}

func (m *MemoryBacking) Load() (string, bool) {
	if m.token == "" {
		return "", false
	}
	if !m.expiresAt.IsZero() && !m.now().Before(m.expiresAt) {
		return "", false
	}
	return m.token, true
}

func (m *MemoryBacking) Save(token string) error {
	m.token = token
	m.expiresAt = time.Time{}
	if m.ttl > 0 {
		m.expiresAt = m.now().Add(m.ttl)
	}
	return nil
}

func (m *MemoryBacking) Delete() error {
	m.token = ""
	m.expiresAt = time.Time{}
	return nil
}

// CookieBacking stores the token as the "token" cookie of the server origin,
// path "/", with a max age. The jar enforces expiry. Passing the same jar to
// the HTTP client makes the cookie travel with every request, as in the
// browser deployment.
type CookieBacking struct {
	jar    http.CookieJar
	origin *url.URL
	maxAge time.Duration
}

func NewCookieBacking(jar http.CookieJar, baseURL string, maxAge time.Duration) (*CookieBacking, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if maxAge <= 0 {
		maxAge = DefaultExpiry
	}
	return &CookieBacking{
		jar:    jar,
		origin: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"},
		maxAge: maxAge,
	}, nil
}

func (c *CookieBacking) Load() (string, bool) {
	for _, cookie := range c.jar.Cookies(c.origin) {
		if cookie.Name == cookieName && cookie.Value != "" {
			return cookie.Value, true
		}
	}
	return "", false
}

func (c *CookieBacking) Save(token string) error {
	c.jar.SetCookies(c.origin, []*http.Cookie{{
		Name:   cookieName,
		Value:  token,
		Path:   "/",
		MaxAge: int(c.maxAge.Seconds()),
	}})
	return nil
}

func (c *CookieBacking) Delete() error {
	c.jar.SetCookies(c.origin, []*http.Cookie{{
		Name:   cookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
	return nil
}

var (
	bucketSession = []byte("session")
	keyToken      = []byte("token")
)

type dbToken struct {
	Token     string `msgpack:"token"`
	ExpiresAt int64  `msgpack:"expiresAt"` // Unix timestamp (seconds)
}

func (t *dbToken) MarshalBinary() ([]byte, error) {
	type alias dbToken
	return msgpack.Marshal((*alias)(t))
}

func (t *dbToken) UnmarshalBinary(data []byte) error {
	type alias dbToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

// FileBacking persists the token in a bbolt file so that a terminal client
// keeps its session across restarts, with the same expiry as the cookie.
type FileBacking struct {
	db  *bbolt.DB
	ttl time.Duration
	now func() time.Time
}

func NewFileBacking(path string, ttl time.Duration) (*FileBacking, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &FileBacking{db: db, ttl: ttl, now: time.Now}, nil
}

func (f *FileBacking) Close() error {
	return f.db.Close()
}

func (f *FileBacking) Load() (string, bool) {
	var record dbToken
	err := f.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get(keyToken)
		if data == nil {
			return nil
		}
		return record.UnmarshalBinary(data)
	})
	if err != nil || record.Token == "" {
		return "", false
	}
	if f.now().Unix() >= record.ExpiresAt {
		return "", false
	}
	return record.Token, true
}

func (f *FileBacking) Save(token string) error {
	record := &dbToken{
		Token:     token,
		ExpiresAt: f.now().Add(f.ttl).Unix(),
	}
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	return f.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Put(keyToken, data)
	})
}

func (f *FileBacking) Delete() error {
	return f.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keyToken)
	})
}
