// Package timetable reads lessons from the school-information service's
// iCalendar export.
package timetable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"lessonsync/internal/config"
	appLog "lessonsync/internal/log"
	"lessonsync/internal/model"
)

// ClientConfig wires a Client.
type ClientConfig struct {
	ConnectionType  string // config.ConnectionToken or config.ConnectionPassword
	AccountType     string // config.AccountChild or config.AccountParent
	Child           string
	CredentialsPath string
	CacheDir        string
	// Location interprets floating feed times.
	Location   *time.Location
	HTTPClient *http.Client
}

// Client is the timetable source. Credentials are read once at
// construction and rewritten only when the service rotates the token.
type Client struct {
	cfg      ClientConfig
	creds    Credentials
	fetcher  *Fetcher
	log      *appLog.Logger
	loggedIn bool
}

// NewClient loads the credentials file and prepares the fetcher.
func NewClient(cfg ClientConfig, logger *appLog.Logger) (*Client, error) {
	if logger == nil {
		logger = appLog.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	switch cfg.ConnectionType {
	case config.ConnectionToken, config.ConnectionPassword:
	default:
		return nil, fmt.Errorf("timetable: unsupported connection type %q", cfg.ConnectionType)
	}
	if cfg.AccountType == config.AccountParent && cfg.Child == "" {
		return nil, errors.New("timetable: parent account requires a child")
	}

	creds, err := LoadCredentials(cfg.CredentialsPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		creds:   creds,
		fetcher: NewFetcher(cfg.HTTPClient, cfg.CacheDir, logger),
		log:     logger,
	}, nil
}

// Login verifies the credentials against the service. A rotated token is
// persisted to the credentials file before Login returns.
func (c *Client) Login(ctx context.Context) error {
	rotated, err := c.fetcher.Probe(ctx, c.feedURL(), c.authorize)
	if err != nil {
		return err
	}
	if err := c.rememberToken(rotated); err != nil {
		return err
	}
	c.loggedIn = true
	c.log.Info("timetable login succeeded", "connection_type", c.cfg.ConnectionType, "account_type", c.cfg.AccountType)
	return nil
}

// FetchLessons returns every lesson occurrence whose start lies in
// [start, end), unfiltered: duplicates and canceled entries are kept.
func (c *Client) FetchLessons(ctx context.Context, start, end time.Time) ([]model.Lesson, error) {
	if !c.loggedIn {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	res, err := c.fetcher.Fetch(ctx, c.feedURL(), c.authorize)
	if err != nil {
		return nil, err
	}
	if err := c.rememberToken(res.RotatedToken); err != nil {
		return nil, err
	}

	parsed, err := ParseICS(res.Body, c.cfg.Location, c.log)
	if err != nil {
		return nil, err
	}

	lessons, err := ExpandLessons(parsed, ExpandConfig{
		Location:   c.cfg.Location,
		RangeStart: start,
		RangeEnd:   end,
	}, c.log)
	if err != nil {
		return nil, err
	}

	c.log.Debug("timetable lessons fetched", "vevents", len(parsed), "lessons", len(lessons), "from_cache", res.FromCache)
	return lessons, nil
}

func (c *Client) authorize(req *http.Request) {
	switch c.cfg.ConnectionType {
	case config.ConnectionToken:
		req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	case config.ConnectionPassword:
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}
}

func (c *Client) feedURL() string {
	if c.cfg.AccountType != config.AccountParent {
		return c.creds.URL
	}
	u, err := url.Parse(c.creds.URL)
	if err != nil {
		return c.creds.URL
	}
	q := u.Query()
	q.Set("child", c.cfg.Child)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) rememberToken(rotated string) error {
	if c.cfg.ConnectionType != config.ConnectionToken || rotated == "" || rotated == c.creds.Token {
		return nil
	}
	next := c.creds
	next.Token = rotated
	if err := SaveCredentials(c.cfg.CredentialsPath, next); err != nil {
		return fmt.Errorf("persist rotated timetable token: %w", err)
	}
	c.creds = next
	c.log.Info("timetable token rotated and persisted", "path", c.cfg.CredentialsPath)
	return nil
}
