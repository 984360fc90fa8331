package timetable

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"lessonsync/internal/config"
)

// Credentials is the on-disk secret store for the timetable service.
type Credentials struct {
	// URL is the timetable feed endpoint.
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Token is the long-lived token used by token logins; the service may
	// rotate it on every login.
	Token string `json:"token,omitempty"`
}

// LoadCredentials reads a credentials file.
func LoadCredentials(path string) (Credentials, error) {
	var c Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read timetable credentials: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse timetable credentials %s: %w", path, err)
	}
	if c.URL == "" {
		return c, errors.New("timetable credentials: url is empty")
	}
	return c, nil
}

// SaveCredentials atomically rewrites the credentials file with 0600 perms.
func SaveCredentials(path string, c Credentials) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(path, data, ".lessonsync-credentials-*.tmp")
}
