// Package auth implements the reverse proxy's credential store: one-time
// login codes and expiring session tokens, persisted as two JSON files
// under an auth/ directory with atomic writes. A bbolt index mirrors the
// session table so expiry checks never rescan the JSON file; the JSON
// files stay canonical and the index is rebuilt from them at startup.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"mng/internal/state"
)

// Store is the credential store contract, shared by the file-backed
// default and the sqlite-backed alternative.
type Store interface {
	AddOneTimeCode(agentName, code string) error
	// ConsumeOneTimeCode atomically removes the code, reporting whether it
	// was present. After the first successful consume, every further
	// consume of the same code returns false.
	ConsumeOneTimeCode(agentName, code string) (bool, error)
	IssueSessionToken(agentName string) (token string, expiresAt time.Time, err error)
	IsSessionValid(agentName, token string) (bool, error)
	Close() error
}

// SessionTTL is how long an issued session token remains valid.
const SessionTTL = 30 * 24 * time.Hour

type session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type codesFile map[string][]string          // agent name -> outstanding codes
type sessionsFile map[string][]session      // agent name -> issued sessions

var sessionsBucket = []byte("sessions")

// FileStore is the default JSON-file store.
type FileStore struct {
	dir string

	mu    sync.Mutex
	index *bolt.DB
}

// NewFileStore opens (or initializes) the store under dir/auth.
func NewFileStore(dir string) (*FileStore, error) {
	authDir := filepath.Join(dir, "auth")
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating auth dir: %w", err)
	}
	s := &FileStore{dir: authDir}

	index, err := bolt.Open(filepath.Join(authDir, "index.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening auth index: %w", err)
	}
	s.index = index
	if err := s.rebuildIndex(); err != nil {
		index.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Close() error {
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

func (s *FileStore) codesPath() string    { return filepath.Join(s.dir, "one_time_codes.json") }
func (s *FileStore) sessionsPath() string { return filepath.Join(s.dir, "sessions.json") }

func (s *FileStore) loadCodes() (codesFile, error) {
	codes := make(codesFile)
	if err := readJSON(s.codesPath(), &codes); err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *FileStore) loadSessions() (sessionsFile, error) {
	sessions := make(sessionsFile)
	if err := readJSON(s.sessionsPath(), &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, v)
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(path, raw, 0o600)
}

// rebuildIndex repopulates the bbolt session index from the canonical
// JSON file.
func (s *FileStore) rebuildIndex() error {
	sessions, err := s.loadSessions()
	if err != nil {
		return err
	}
	return s.index.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(sessionsBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(sessionsBucket)
		if err != nil {
			return err
		}
		for agent, list := range sessions {
			raw, err := json.Marshal(list)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(agent), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *FileStore) indexPut(agent string, list []session) error {
	return s.index.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(sessionsBucket)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(agent), raw)
	})
}

// AddOneTimeCode records a code for the agent. Adding the same code twice
// is a no-op.
func (s *FileStore) AddOneTimeCode(agentName, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes, err := s.loadCodes()
	if err != nil {
		return err
	}
	for _, existing := range codes[agentName] {
		if existing == code {
			return nil
		}
	}
	codes[agentName] = append(codes[agentName], code)
	return writeJSON(s.codesPath(), codes)
}

func (s *FileStore) ConsumeOneTimeCode(agentName, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes, err := s.loadCodes()
	if err != nil {
		return false, err
	}
	list := codes[agentName]
	for i, existing := range list {
		if existing == code {
			codes[agentName] = append(list[:i], list[i+1:]...)
			if len(codes[agentName]) == 0 {
				delete(codes, agentName)
			}
			if err := writeJSON(s.codesPath(), codes); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *FileStore) IssueSessionToken(agentName string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, err
	}
	token := hex.EncodeToString(raw)
	expiresAt := time.Now().Add(SessionTTL)

	sessions, err := s.loadSessions()
	if err != nil {
		return "", time.Time{}, err
	}
	list := pruneExpired(sessions[agentName])
	list = append(list, session{Token: token, ExpiresAt: expiresAt})
	sessions[agentName] = list
	if err := writeJSON(s.sessionsPath(), sessions); err != nil {
		return "", time.Time{}, err
	}
	if err := s.indexPut(agentName, list); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (s *FileStore) IsSessionValid(agentName, token string) (bool, error) {
	var list []session
	err := s.index.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(agentName))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &list)
	})
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, sess := range list {
		if sess.Token == token && sess.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func pruneExpired(list []session) []session {
	now := time.Now()
	out := list[:0]
	for _, sess := range list {
		if sess.ExpiresAt.After(now) {
			out = append(out, sess)
		}
	}
	return out
}
