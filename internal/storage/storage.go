// Package storage persists per-retailer browser sessions between runs.
// Authenticated cookies let connectors skip login walls and keep the
// anti-bot profile of a returning visitor.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/retailmon/market-scraper/internal/browser"
)

type RetailerSession struct {
	Retailer  string           `json:"retailer"`
	Cookies   []browser.Cookie `json:"cookies"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*RetailerSession
	filename string
}

func NewSessionStore(filename string) (*SessionStore, error) {
	s := &SessionStore{
		sessions: make(map[string]*RetailerSession),
		filename: filename,
	}

	if err := s.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return s, nil
}

// Set replaces the stored cookies for a retailer.
func (s *SessionStore) Set(retailer string, cookies []browser.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if retailer == "" {
		return fmt.Errorf("retailer is required")
	}

	s.sessions[retailer] = &RetailerSession{
		Retailer:  retailer,
		Cookies:   cookies,
		UpdatedAt: time.Now(),
	}
	return s.save()
}

// Cookies returns the unexpired cookies for a retailer. Session cookies
// without an expiry are always returned.
func (s *SessionStore) Cookies(retailer string) ([]browser.Cookie, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[retailer]
	if !exists {
		return nil, false
	}

	now := float64(time.Now().Unix())
	var valid []browser.Cookie
	for _, c := range session.Cookies {
		if c.Expires > 0 && c.Expires < now {
			continue
		}
		valid = append(valid, c)
	}
	return valid, len(valid) > 0
}

func (s *SessionStore) Delete(retailer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[retailer]; !exists {
		return fmt.Errorf("session not found: %s", retailer)
	}
	delete(s.sessions, retailer)
	return s.save()
}

func (s *SessionStore) Retailers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	retailers := make([]string, 0, len(s.sessions))
	for slug := range s.sessions {
		retailers = append(retailers, slug)
	}
	return retailers
}

// Stats reports cookie counts per retailer plus a total.
func (s *SessionStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int)
	total := 0
	for slug, session := range s.sessions {
		stats[slug] = len(session.Cookies)
		total += len(session.Cookies)
	}
	stats["total"] = total
	return stats
}

func (s *SessionStore) save() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// Write to temp file first for atomicity
	tmpFile := s.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpFile, s.filename)
}

func (s *SessionStore) Load() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.sessions)
}
