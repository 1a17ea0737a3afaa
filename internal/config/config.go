// Package config loads the synchronizer's YAML configuration, following
// the teacher's flat Config/Mailbox shape (config/config.go,
// config/mailbox.go) expanded to spec.md §6's full surface.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/heliotrope/mailsync/internal/flagset"
)

// Config is the top-level configuration document.
type Config struct {
	Maildir   string             `yaml:"maildir"`
	Mailboxes map[string]Mailbox `yaml:"mailboxes"`

	// RetryCount bounds how many times the scheduler retries an operation
	// after a transport-classified (FolderRetry) failure. Default 2.
	RetryCount int `yaml:"retrycount"`
	// KeepaliveSeconds is read from the keepalive key but nothing uses it:
	// no NOOPs are sent on idle IMAP connections.
	KeepaliveSeconds int `yaml:"keepalive"`

	// Fsync controls whether the status folder's record file is fsynced
	// before its temp-file-rename commit (spec.md §6: "Fsync on commit
	// unless disabled"). Defaults to true; set the top-level fsync: false to
	// trade durability for write throughput.
	Fsync *bool `yaml:"fsync"`
}

// FsyncOrDefault returns the effective fsync-on-commit setting: true
// unless explicitly disabled.
func (c *Config) FsyncOrDefault() bool {
	if c.Fsync == nil {
		return true
	}
	return *c.Fsync
}

// Mailbox configures one IMAP account and its sync behavior, extending the
// teacher's Mailbox with spec.md §6's filtering and safety options.
type Mailbox struct {
	Server      string `yaml:"server"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UseTLS      bool   `yaml:"use_tls"`
	UseStartTLS bool   `yaml:"use_starttls"`

	Folders struct {
		Include []string `yaml:"include"`
		Exclude []string `yaml:"exclude"`
	} `yaml:"folders"`

	// IgnoredTags lists server keywords (e.g. "$MDNSent" from Exchange); it
	// is parsed but nothing in the synchronizer consults it.
	IgnoredTags []string          `yaml:"ignored_tags"`
	FolderTags  map[string]string `yaml:"folder_tags"`

	// MaxAge, if set, drops messages older than this many days from
	// consideration entirely (spec.md §6). Mutually exclusive in practice
	// with StartDate but both may be set; the more restrictive wins.
	MaxAge int `yaml:"maxage"`
	// StartDate, if set ("YYYY-MM-DD"), is an absolute floor in place of
	// MaxAge's relative one.
	StartDate string `yaml:"startdate"`
	// MaxSize drops messages larger than this many bytes.
	MaxSize int64 `yaml:"maxsize"`

	// SyncDeletes mirrors deletions to the remote side. Defaults to true;
	// set false to keep a strictly additive mirror.
	SyncDeletes *bool `yaml:"sync_deletes"`
	// FilterHeaders lists header names stripped before APPENDing a new
	// message to an IMAP destination.
	FilterHeaders []string `yaml:"filterheaders"`
	// Expunge is parsed (default true, see ExpungeOrDefault) but not
	// consulted: an IMAP deletion always issues EXPUNGE right after the
	// UID STORE +\Deleted.
	Expunge *bool `yaml:"expunge"`
	// UTF8FolderNames, when true, decodes modified UTF-7 server folder
	// names into UTF-8 for the local folder names.
	UTF8FolderNames bool `yaml:"utf8foldernames"`
	// CopyIgnore lists local UIDs pass 1 must never copy (spec.md's
	// supplemented copy_ignore_eval surface, simplified to a literal list
	// rather than an embedded expression language).
	CopyIgnore []int64 `yaml:"copy_ignore"`
	// KeywordMap maps destination keyword strings onto a single local flag
	// letter (one of S/R/F/T/D).
	KeywordMap map[string]string `yaml:"keywordmap"`
	// NewMailHook is a shell command run after a sync pass that copied at
	// least one unseen message.
	NewMailHook string `yaml:"newmail_hook"`

	// Remote, when set, makes the second store another IMAP account
	// instead of a local maildir (spec.md §1's "another IMAP account, or
	// a local on-disk maildir"). The two sides are reconciled through a
	// persistent local_uid<->remote_uid bijection rather than shared UIDs.
	Remote *RemoteAccount `yaml:"remote"`

	DBPath string `yaml:"-"` // Inherited from Config.Maildir, not user-set.
}

// RemoteAccount configures the second IMAP account in an IMAP<->IMAP pair.
type RemoteAccount struct {
	Server      string `yaml:"server"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UseTLS      bool   `yaml:"use_tls"`
	UseStartTLS bool   `yaml:"use_starttls"`
}

// ResolvedPort returns r's port, defaulting to 143/993 by UseTLS.
func (r RemoteAccount) ResolvedPort() int {
	if r.Port != 0 {
		return r.Port
	}
	if r.UseTLS {
		return 993
	}
	return 143
}

// SyncDeletesOrDefault returns the effective sync_deletes setting: true
// unless explicitly disabled.
func (m Mailbox) SyncDeletesOrDefault() bool {
	if m.SyncDeletes == nil {
		return true
	}
	return *m.SyncDeletes
}

// ExpungeOrDefault returns the effective expunge setting: true unless
// explicitly disabled.
func (m Mailbox) ExpungeOrDefault() bool {
	if m.Expunge == nil {
		return true
	}
	return *m.Expunge
}

// BuildKeywordMap converts the raw string->string YAML map into a
// flagset.KeywordMap, rejecting unknown flag letters up front rather than
// silently dropping keywords at sync time.
func (m Mailbox) BuildKeywordMap() (flagset.KeywordMap, error) {
	if len(m.KeywordMap) == 0 {
		return nil, nil
	}
	out := make(flagset.KeywordMap, len(m.KeywordMap))
	for kw, letterStr := range m.KeywordMap {
		if len(letterStr) != 1 {
			return nil, errors.Errorf("keywordmap entry %q: value must be a single flag letter (S/R/F/T/D), got %q", kw, letterStr)
		}
		letter := letterStr[0]
		switch letter {
		case flagset.Seen, flagset.Answered, flagset.Flagged, flagset.Deleted, flagset.Draft:
			out[kw] = letter
		default:
			return nil, errors.Errorf("keywordmap entry %q: unknown flag letter %q", kw, letterStr)
		}
	}
	return out, nil
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	if cfg.Maildir == "" {
		cfg.Maildir = "~/.mail"
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 2
	}

	for name, mb := range cfg.Mailboxes {
		mb.DBPath = cfg.Maildir
		cfg.Mailboxes[name] = mb
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, mb := range c.Mailboxes {
		if mb.Server == "" {
			return errors.Errorf("mailbox %q: server not configured", name)
		}
		if mb.Username == "" {
			return errors.Errorf("mailbox %q: username not configured", name)
		}
		if mb.Password == "" {
			return errors.Errorf("mailbox %q: password not configured", name)
		}
		if mb.StartDate != "" {
			if _, err := ParseStartDate(mb.StartDate); err != nil {
				return errors.Wrapf(err, "mailbox %q", name)
			}
		}
		if mb.MaxAge < 0 {
			return errors.Errorf("mailbox %q: invalid maxage value %d", name, mb.MaxAge)
		}
	}
	return nil
}

// ResolvedPort returns the mailbox's port, defaulting to 143/993 by
// UseTLS, as the teacher's imap.New does.
func (m Mailbox) ResolvedPort() int {
	if m.Port != 0 {
		return m.Port
	}
	if m.UseTLS {
		return 993
	}
	return 143
}

// ExpandPath resolves $HOME, ~/, and other $VAR-prefixed paths, then makes
// the result absolute -- ported from main.go's parsePathSetting.
func ExpandPath(in string) string {
	home := userHomeDir()
	switch {
	case strings.HasPrefix(in, "$HOME"):
		in = home + in[len("$HOME"):]
	case strings.HasPrefix(in, "~/"):
		in = home + in[1:]
	}

	if strings.HasPrefix(in, "$") {
		end := strings.Index(in, string(os.PathSeparator))
		if end < 0 {
			end = len(in)
		}
		in = os.Getenv(in[1:end]) + in[end:]
	}

	if filepath.IsAbs(in) {
		return filepath.Clean(in)
	}
	if abs, err := filepath.Abs(in); err == nil {
		return filepath.Clean(abs)
	}
	return in
}

func userHomeDir() string {
	if runtime.GOOS == "windows" {
		if home := os.Getenv("USERPROFILE"); home != "" {
			return home
		}
		return os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
	}
	return os.Getenv("HOME")
}
