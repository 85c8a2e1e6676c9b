package session

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/completion"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/remote"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/supervisor"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/vcs"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/paths"
)

// Store is the single owner of all session state. It is safe for
// concurrent use; each session is guarded by its own mutex so sessions
// never contend with one another.
type Store struct {
	opts       Options
	home       string
	supervisor *supervisor.Supervisor
	resolver   *completion.Resolver
	prober     *vcs.Prober
	dialer     *remote.Dialer
	recorder   Recorder
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sessions sync.Map // map[id.SessionID]*Session
	mu       sync.Mutex
	count    int
	closed   bool
	workers  sync.WaitGroup
}

// NewStore creates a store. prober and recorder may be nil.
func NewStore(opts Options, prober *vcs.Prober, recorder Recorder, logger *zap.Logger) *Store {
	opts = withDefaults(opts)
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	home := opts.Home
	if home == "" {
		home = paths.Home()
	}

	searchPath := os.Getenv("PATH")
	if searchPath == "" {
		searchPath = opts.FallbackPath
	}

	var dialer *remote.Dialer
	if !opts.DisableSSH {
		dialer = remote.NewDialer(remote.Options{
			KnownHostsFile: opts.KnownHostsFile,
			Timeout:        opts.SSHTimeout,
			Home:           home,
		}, logger.Named("remote"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		opts: opts,
		home: home,
		supervisor: supervisor.New(supervisor.Options{
			Shell:        opts.Shell,
			GraceWindow:  opts.GraceWindow,
			DrainTimeout: opts.DrainTimeout,
		}, logger.Named("supervisor")),
		resolver: completion.NewResolver(completion.Options{
			Home:       home,
			SearchPath: searchPath,
		}),
		prober:   prober,
		dialer:   dialer,
		recorder: recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func withDefaults(o Options) Options {
	if o.Shell == "" {
		o.Shell = "/bin/sh"
	}
	if o.ElevationKeyword == "" {
		o.ElevationKeyword = "sudo"
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = 100 * time.Millisecond
	}
	if o.KillWait <= 0 {
		o.KillWait = 3 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 64 * 1024
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 64
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 500
	}
	if o.OutputLimit <= 0 {
		o.OutputLimit = 5000
	}
	if o.RecallLimit <= 0 {
		o.RecallLimit = 30
	}
	return o
}

// CreateSession opens a new session.
func (st *Store) CreateSession(opts CreateOptions) (Info, error) {
	dir := st.home
	if opts.Directory != "" {
		resolved, err := paths.ResolveDir(st.home, st.home, opts.Directory)
		if err != nil {
			return Info{}, fmt.Errorf("failed to create session: %w", err)
		}
		dir = resolved
	}

	s := &Session{
		id:        id.NewSessionID(),
		label:     opts.Label,
		createdAt: time.Now(),
		bus:       stream.NewBus(st.opts.QueueLimit),
		mediator:  privilege.NewMediator(st.opts.ElevationKeyword),
		dir:       dir,
		env:       os.Environ(),
	}

	// Publishing under st.mu orders the session before any Close that
	// observes closed, so Close always finds it.
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		s.bus.Close()
		return Info{}, ErrStoreClosed
	}
	if st.count >= st.opts.MaxSessions {
		st.mu.Unlock()
		s.bus.Close()
		return Info{}, fmt.Errorf("%w (%d)", ErrTooManySessions, st.opts.MaxSessions)
	}
	st.count++
	count := st.count
	st.sessions.Store(s.id, s)
	st.mu.Unlock()

	st.recorder.SetSessionsActive(count)

	st.logger.Info("Session created",
		zap.String("session_id", s.id.String()),
		zap.String("dir", dir))

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// CloseSession terminates any active execution, closes the event stream
// and forgets the session.
func (st *Store) CloseSession(sessionID id.SessionID) error {
	v, ok := st.sessions.LoadAndDelete(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s := v.(*Session)

	s.mu.Lock()
	s.closed = true
	if e := s.active; e != nil {
		e.cancelRequested = true
		switch {
		case e.handle != nil:
			e.handle.Terminate()
		case e.shell != nil:
			e.shell.Close()
		case e.stopDial != nil:
			e.stopDial()
		}
		s.mediator.Cancel()
		st.finishLocked(s, e, stream.Cancelled("session closed"))
	}
	s.mu.Unlock()

	s.bus.Close()

	st.mu.Lock()
	st.count--
	count := st.count
	st.mu.Unlock()
	st.recorder.SetSessionsActive(count)

	st.logger.Info("Session closed", zap.String("session_id", sessionID.String()))
	return nil
}

// Get returns a session's public view.
func (st *Store) Get(sessionID id.SessionID) (Info, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// List returns every open session, oldest first.
func (st *Store) List() []Info {
	var out []Info
	st.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		s.mu.Lock()
		out = append(out, s.infoLocked())
		s.mu.Unlock()
		return true
	})
	// ULIDs sort by creation time.
	slices.SortFunc(out, func(a, b Info) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// Count returns the number of open sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.count
}

// Subscribe attaches a new observer to a session's event stream.
func (st *Store) Subscribe(sessionID id.SessionID) (*stream.Subscription, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sub, err := s.bus.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sub, nil
}

// CurrentDirectory returns the session's working directory, or the remote
// one while an ssh shell is attached.
func (st *Store) CurrentDirectory(sessionID id.SessionID) (string, error) {
	dir, _, err := st.directory(sessionID)
	return dir, err
}

func (st *Store) directory(sessionID id.SessionID) (dir string, isRemote bool, err error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote != nil {
		return s.remote.dir, true, nil
	}
	return s.dir, false, nil
}

// HomeDirectory returns the invoking user's home directory.
func (st *Store) HomeDirectory() string {
	return st.home
}

// Branch returns the version-control branch of the session's working
// directory, or "" when there is none or it cannot be determined.
func (st *Store) Branch(ctx context.Context, sessionID id.SessionID) (string, error) {
	dir, isRemote, err := st.directory(sessionID)
	if err != nil {
		return "", err
	}
	if st.prober == nil || isRemote {
		return "", nil
	}
	branch, err := st.prober.Branch(ctx, dir)
	if err != nil {
		st.logger.Debug("Branch unavailable",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		return "", nil
	}
	return branch, nil
}

// History returns a copy of the session's history.
func (st *Store) History(sessionID id.SessionID) ([]HistoryEntry, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(), nil
}

// ClearHistory empties the session's history. A running command keeps its
// entry.
func (st *Store) ClearHistory(sessionID id.SessionID) error {
	s, err := st.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearHistoryLocked()
	return nil
}

func (s *Session) clearHistoryLocked() {
	if s.active != nil && s.active.entry != nil {
		s.history = []*HistoryEntry{s.active.entry}
		return
	}
	s.history = nil
}

// Recall returns the recall list, oldest first.
func (st *Store) Recall(sessionID id.SessionID) ([]string, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.recall), nil
}

// Suggest returns completions for input in the session's working directory.
// Nothing is suggested while a password is being typed or while commands go
// to a remote shell.
func (st *Store) Suggest(sessionID id.SessionID, input string) ([]string, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.mediator.AcceptsCompletion() {
		return nil, nil
	}

	s.mu.Lock()
	dir, isRemote := s.dir, s.remote != nil
	s.mu.Unlock()
	if isRemote {
		return nil, nil
	}

	st.recorder.RecordSuggestion()
	return st.resolver.Suggest(dir, input), nil
}

// InputMode reports how the session's prompt should treat keystrokes.
func (st *Store) InputMode(sessionID id.SessionID) (privilege.Mode, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return s.mediator.Mode(), nil
}

// Close terminates every session and waits for their executions to wind
// down, or for ctx to expire.
func (st *Store) Close(ctx context.Context) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.mu.Unlock()

	st.sessions.Range(func(k, _ any) bool {
		_ = st.CloseSession(k.(id.SessionID))
		return true
	})
	st.cancel()

	done := make(chan struct{})
	go func() {
		st.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session store shutdown: %w", ctx.Err())
	}
}

func (st *Store) lookup(sessionID id.SessionID) (*Session, error) {
	v, ok := st.sessions.Load(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return v.(*Session), nil
}
