// Package syncapp wires config, folder backends, the syncer and the
// scheduler together into runnable per-account jobs, the way the teacher's
// main.go wires config, imap.New and sync.New directly -- pulled out of
// main() here only because there are now four backends instead of one.
package syncapp

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	goimap "github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/heliotrope/mailsync/internal/config"
	"github.com/heliotrope/mailsync/internal/flagset"
	"github.com/heliotrope/mailsync/internal/folder"
	"github.com/heliotrope/mailsync/internal/nametrans"
	"github.com/heliotrope/mailsync/internal/scheduler"
	"github.com/heliotrope/mailsync/internal/sync"
	"github.com/heliotrope/mailsync/internal/syncerr"
	"github.com/heliotrope/mailsync/internal/uidset"
)

// Options controls one invocation across every configured mailbox.
type Options struct {
	FullScan bool
	DryRun   bool
	// Account, if non-empty, restricts the run to a single mailbox name.
	Account string
}

// Run loads cfg's mailboxes into FolderJobs and executes them under a
// Scheduler, logging through log.
func Run(ctx context.Context, cfg *config.Config, opts Options, log zerolog.Logger) error {
	// A fresh run ID lets log lines from every concurrently-running folder
	// job be correlated back to the invocation that produced them.
	log = log.With().Str("run_id", uuid.NewString()).Logger()

	maildirPath := config.ExpandPath(cfg.Maildir)
	if err := os.MkdirAll(maildirPath, 0700); err != nil {
		return syncerr.Wrap(syncerr.Critical, err, "creating maildir root")
	}

	sched := scheduler.New(4, 4, scheduler.RetryPolicy{
		MaxAttempts: cfg.RetryCount + 1,
		OnRetry: func(attempt int, err error) {
			log.Warn().Int("attempt", attempt).Err(err).Msg("retrying after transport error")
		},
	})

	// anyFailed records whether any account or folder job failed at a
	// severity below Critical, so Run can still report spec.md §6's "any
	// thread failed" outcome even though such failures never abort the
	// run itself (only Critical does).
	var anyFailed atomic.Bool

	var jobs []scheduler.FolderJob
	for name, mb := range cfg.Mailboxes {
		if opts.Account != "" && opts.Account != name {
			continue
		}
		mb := mb
		accountPath := filepath.Join(maildirPath, name)
		if err := os.MkdirAll(accountPath, 0700); err != nil {
			return syncerr.Wrap(syncerr.Critical, err, "creating account dir for "+name)
		}

		accountJobs, err := buildAccountJobs(ctx, name, mb, accountPath, opts, sched, log, cfg.FsyncOrDefault())
		if err != nil {
			log.Error().Str("account", name).Err(err).Msg("cannot prepare account")
			if syncerr.SeverityOf(err) >= syncerr.Critical {
				return err
			}
			anyFailed.Store(true)
			continue
		}
		jobs = append(jobs, accountJobs...)
	}

	progress := progressbar.NewOptions(len(jobs),
		progressbar.OptionSetDescription("syncing folders"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	for i, job := range jobs {
		job := job
		innerRun := job.Run
		jobs[i].Run = func(jobCtx context.Context) error {
			err := innerRun(jobCtx)
			progress.Add(1)
			if err == nil {
				return nil
			}
			// Only a Critical-severity failure may abort sibling jobs
			// through the scheduler's shared context (spec.md §7: a
			// Folder-severity error aborts only that folder, a
			// Repo-severity error aborts only that account). Anything
			// less severe is logged here and swallowed so the errgroup
			// never cancels the other concurrently-running folders.
			if syncerr.SeverityOf(err) >= syncerr.Critical {
				return err
			}
			log.Error().Str("account", job.Account).Str("folder", job.Folder).Err(err).
				Msg("folder sync failed, continuing with other folders")
			anyFailed.Store(true)
			return nil
		}
	}

	if err := sched.Run(ctx, jobs); err != nil {
		return err
	}
	if anyFailed.Load() {
		return syncerr.New(syncerr.Folder, "one or more folders failed to sync")
	}
	return nil
}

// buildAccountJobs dials one account's IMAP connection, discovers its
// folder set (spec.md §6's include/exclude filters plus name translation,
// §4.8) and returns one FolderJob per remote folder.
func buildAccountJobs(ctx context.Context, account string, mb config.Mailbox, accountPath string, opts Options, sched *scheduler.Scheduler, log zerolog.Logger, fsync bool) ([]scheduler.FolderJob, error) {
	// Folder discovery uses its own short-lived connection; each FolderJob
	// below dials a fresh one of its own, since IMAP connections are not
	// safe to share across the scheduler's concurrent folder workers.
	c, _, err := dial(mb)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Repo, err, "connecting to "+mb.Server)
	}
	names, err := discoverFolders(c, mb)
	_ = c.Logout()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Repo, err, "listing folders on "+mb.Server)
	}

	minDate, err := mb.EffectiveMinDate(time.Now())
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Repo, err, "account "+account)
	}
	keywordMap, err := mb.BuildKeywordMap()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Repo, err, "account "+account)
	}
	copyIgnore := make(map[int64]struct{}, len(mb.CopyIgnore))
	for _, uid := range mb.CopyIgnore {
		copyIgnore[uid] = struct{}{}
	}

	// opts.FullScan is honored by runFolder re-listing with MinUID 0 on
	// every pass regardless; MinDate/MaxSize still apply in both modes.
	listOpts := folder.ListOptions{MinDate: minDate, MaxSize: mb.MaxSize}

	jobs := make([]scheduler.FolderJob, 0, len(names))
	for _, remoteName := range names {
		remoteName := remoteName
		localName := nametrans.Decode(remoteName, mb.UTF8FolderNames, '/', nametrans.Identity)
		if localName == "" {
			continue
		}

		folderLog := log.With().Str("account", account).Str("folder", localName).Logger()
		jobs = append(jobs, scheduler.FolderJob{
			Account:         account,
			Folder:          localName,
			SuggestsThreads: true,
			Run: func(jobCtx context.Context) error {
				return runFolder(jobCtx, runFolderParams{
					remoteName: remoteName,
					localName:  localName,
					accountDir: accountPath,
					mb:         mb,
					listOpts:   listOpts,
					keywordMap: keywordMap,
					copyIgnore: copyIgnore,
					dryRun:     opts.DryRun,
					fsync:      fsync,
					sched:      sched,
					log:        folderLog,
				})
			},
		})
	}
	return jobs, nil
}

func dial(mb config.Mailbox) (*client.Client, *uidplus.UidPlusClient, error) {
	return dialAddr(mb.Server, mb.ResolvedPort(), mb.Username, mb.Password, mb.UseTLS, mb.UseStartTLS)
}

func dialRemote(r config.RemoteAccount) (*client.Client, *uidplus.UidPlusClient, error) {
	return dialAddr(r.Server, r.ResolvedPort(), r.Username, r.Password, r.UseTLS, r.UseStartTLS)
}

func dialAddr(server string, port int, username, password string, useTLS, useStartTLS bool) (*client.Client, *uidplus.UidPlusClient, error) {
	addr := fmt.Sprintf("%s:%d", server, port)
	tlsConfig := &tls.Config{ServerName: server}

	var c *client.Client
	var err error
	if useTLS {
		c, err = client.DialTLS(addr, tlsConfig)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, nil, err
	}

	if useStartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			return nil, nil, err
		}
	}
	if err := c.Login(username, password); err != nil {
		return nil, nil, err
	}
	return c, uidplus.NewClient(c), nil
}

func discoverFolders(c *client.Client, mb config.Mailbox) ([]string, error) {
	includeAll := len(mb.Folders.Include) == 0
	included := make(map[string]struct{}, len(mb.Folders.Include))
	for _, f := range mb.Folders.Include {
		included[f] = struct{}{}
	}
	excluded := make(map[string]struct{}, len(mb.Folders.Exclude))
	for _, f := range mb.Folders.Exclude {
		excluded[f] = struct{}{}
	}

	mboxChan := make(chan *goimap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() { done <- c.List("", "*", mboxChan) }()

	var names []string
	for info := range mboxChan {
		if info == nil {
			continue
		}
		if _, skip := excluded[info.Name]; skip {
			continue
		}
		if !includeAll {
			if _, ok := included[info.Name]; !ok {
				continue
			}
		}
		names = append(names, info.Name)
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return names, nil
}

type runFolderParams struct {
	remoteName string
	localName  string
	accountDir string
	mb         config.Mailbox
	listOpts   folder.ListOptions
	keywordMap flagset.KeywordMap
	copyIgnore map[int64]struct{}
	dryRun     bool
	fsync      bool
	sched      *scheduler.Scheduler
	log        zerolog.Logger
}

// openDestination opens the second store of the sync pair: a local maildir
// by default, or a second IMAP account's matching folder (through a
// MappedIMAPFolder and its persistent UID bijection) when the mailbox
// configures one. The returned cleanup func closes the folder and, for the
// IMAP case, logs out the second connection.
func (p runFolderParams) openDestination(ctx context.Context) (folder.Folder, func(), error) {
	if p.mb.Remote == nil {
		localDir := filepath.Join(p.accountDir, p.localName)
		if err := os.MkdirAll(filepath.Dir(localDir), 0700); err != nil {
			return nil, nil, syncerr.Wrap(syncerr.Folder, err, "creating folder dir")
		}
		mf, err := folder.NewMaildirFolder(localDir)
		if err != nil {
			return nil, nil, syncerr.Wrap(syncerr.Folder, err, "opening maildir "+p.localName)
		}
		return mf, func() { mf.Close() }, nil
	}

	rc, rup, err := dialRemote(*p.mb.Remote)
	if err != nil {
		return nil, nil, syncerr.Wrap(syncerr.FolderRetry, err, "connecting to remote store for "+p.localName)
	}

	uids, err := folder.OpenUIDMap(ctx, p.accountDir, p.localName)
	if err != nil {
		_ = rc.Logout()
		return nil, nil, syncerr.Wrap(syncerr.Folder, err, "opening uid map for "+p.localName)
	}

	remoteIMAP := folder.NewIMAPFolder(rc, rup, p.remoteName, p.mb.FilterHeaders)
	mapped := folder.NewMappedIMAPFolder(remoteIMAP, uids)
	cleanup := func() {
		mapped.Close()
		_ = rc.Logout()
	}
	return mapped, cleanup, nil
}

// runFolder syncs one remote/local folder pair: it opens the status
// folder and UID-validity guard, selects the IMAP side, and delegates to
// sync.Syncer for the three-pass algorithm.
func runFolder(ctx context.Context, p runFolderParams) error {
	release, err := p.sched.FolderWorkerSlot(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	statusFolder, err := folder.OpenStatusFolderWithFsync(ctx, p.accountDir, p.localName, p.fsync)
	if err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "opening status file for "+p.localName)
	}
	defer statusFolder.Close()

	c, up, err := dial(p.mb)
	if err != nil {
		return syncerr.Wrap(syncerr.FolderRetry, err, "connecting for "+p.localName)
	}
	defer c.Logout()

	srcFolder := folder.NewIMAPFolder(c, up, p.remoteName, p.mb.FilterHeaders)

	guard := folder.NewUIDValidityGuard(p.accountDir)
	if err := srcFolder.List(ctx, folder.ListOptions{}); err != nil {
		return err
	}
	if err := guard.EnsureValid(p.localName, srcFolder.UIDValidity()); err != nil {
		return syncerr.Wrap(syncerr.Folder, err, "uidvalidity guard for "+p.localName)
	}
	if err := statusFolder.SetUIDValidity(ctx, srcFolder.UIDValidity()); err != nil {
		return err
	}
	if err := srcFolder.List(ctx, p.listOpts); err != nil {
		return err
	}

	dstFolder, cleanup, err := p.openDestination(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := dstFolder.List(ctx, folder.ListOptions{}); err != nil {
		return err
	}
	if err := statusFolder.List(ctx, folder.ListOptions{}); err != nil {
		return err
	}

	syncer := sync.New(sync.Options{
		DryRun:         p.dryRun,
		SyncDeletes:    p.mb.SyncDeletesOrDefault(),
		CopyIgnoreUIDs: p.copyIgnore,
		KeywordMap:     p.keywordMap,
		NewMailHook: func() {
			if p.mb.NewMailHook == "" {
				return
			}
			runHook(p.mb.NewMailHook, p.log)
		},
	})

	report, err := syncer.Run(ctx, srcFolder, dstFolder, statusFolder)
	p.log.Debug().Str("source_uids", uidset.Format(srcFolder.UIDs())).Msg("source UID range considered")
	p.log.Info().
		Int("copied", report.Copied).
		Int("deleted", report.Deleted).
		Int("flags_added", report.FlagsAdded).
		Int("flags_removed", report.FlagsRemoved).
		Int("message_errors", len(report.MessageErrors)).
		Msg("folder sync complete")
	for _, merr := range report.MessageErrors {
		p.log.Warn().Err(merr).Msg("message-level sync error")
	}
	return err
}

func runHook(cmdline string, log zerolog.Logger) {
	c := exec.Command("/bin/sh", "-c", cmdline)
	if err := c.Run(); err != nil {
		log.Warn().Err(err).Str("hook", cmdline).Msg("newmail hook failed")
	}
}
