// Package collab holds the command handlers shared by every transport.
//
// A transport decodes wire messages into Commands, hands them to the Hub
// together with its Session, and encodes the Events the Hub sends back.
// Operation broadcasts reach local clients only through the relay, so each
// accepted operation is delivered once per client even when several server
// instances share a broker.
package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"collabtext/server/internal/logging"
	"collabtext/server/internal/oplog"
	"collabtext/server/internal/registry"
	"collabtext/server/internal/relay"
)

// Session is one connected client as seen by the Hub.
type Session interface {
	ID() string
	Transport() registry.Transport
	// Send queues ev without blocking. It returns false if the session is
	// closed or too slow to keep up.
	Send(ev Event) bool
}

// NewClientID returns a fresh connection id. Ids are never reused.
func NewClientID(t registry.Transport) string {
	return string(t) + "_" + ulid.Make().String()
}

type Options struct {
	// InstanceID identifies this process on the relay. Generated when empty.
	InstanceID   string
	DefaultLimit int
	// PresenceTimeout bounds the store reads made while announcing a
	// disconnect, when the client's own context is already gone.
	PresenceTimeout time.Duration
}

type Hub struct {
	id       string
	log      oplog.Log
	relay    relay.Relay
	registry *registry.Registry
	syncer   *Syncer
	opts     Options
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]Session

	relayDegraded atomic.Bool
}

func NewHub(log oplog.Log, rl relay.Relay, opts Options) *Hub {
	if opts.InstanceID == "" {
		opts.InstanceID = ulid.Make().String()
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = 5 * time.Second
	}
	return &Hub{
		id:       opts.InstanceID,
		log:      log,
		relay:    rl,
		registry: registry.New(),
		syncer:   NewSyncer(log, opts.DefaultLimit),
		opts:     opts,
		logger:   logging.Component("hub").With().Str("instance", opts.InstanceID).Logger(),
		sessions: make(map[string]Session),
	}
}

func (h *Hub) InstanceID() string { return h.id }

func (h *Hub) Registry() *registry.Registry { return h.registry }

func (h *Hub) Syncer() *Syncer { return h.syncer }

func (h *Hub) Log() oplog.Log { return h.log }

// RelayDegraded reports whether the most recent publish failed. While it is
// true other instances may be missing operations until their clients resync.
func (h *Hub) RelayDegraded() bool { return h.relayDegraded.Load() }

// Run consumes the relay until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.relay.Run(ctx, h.deliver)
}

// Attach registers a new connection and greets it.
func (h *Hub) Attach(s Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()

	s.Send(Event{Type: TypeConnectionAck, Data: ConnectionAck{
		ClientID:  s.ID(),
		Transport: string(s.Transport()),
		Timestamp: time.Now().UnixMilli(),
	}})
	h.logger.Info().Str("clientId", s.ID()).Str("transport", string(s.Transport())).Msg("client connected")
}

// Detach removes a disconnected client from every project it joined and
// sends one presence update to the remaining members of each.
func (h *Hub) Detach(s Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.ID()]; ok && cur == s {
		delete(h.sessions, s.ID())
	}
	h.mu.Unlock()

	affected := h.registry.LeaveAll(s.ID())

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.PresenceTimeout)
	defer cancel()
	for projectID, remaining := range affected {
		h.notify(projectID, stateEvent(h.presence(ctx, projectID, remaining)), "")
	}
	h.logger.Info().
		Str("clientId", s.ID()).
		Int("projects", len(affected)).
		Msg("client disconnected")
}

// Handle runs one command. Failures become an error event on the same
// session; the connection always stays usable.
func (h *Hub) Handle(ctx context.Context, s Session, cmd Command) {
	var err error
	switch cmd.Type {
	case TypeJoinProject:
		err = h.join(ctx, s, cmd.Data)
	case TypeLeaveProject:
		err = h.leave(ctx, s, cmd.Data)
	case TypeOperation:
		err = h.operation(ctx, s, cmd.Data)
	case TypeSyncRequest:
		err = h.sync(ctx, s, cmd.Data)
	case TypePing:
		if s.Transport() != registry.Native {
			err = ErrUnknownType
			break
		}
		s.Send(Event{Type: TypePong, Data: Pong{Timestamp: time.Now().UnixMilli()}})
	default:
		err = ErrUnknownType
	}
	if err != nil {
		h.Reject(s, cmd.Type, err)
	}
}

// Reject reports err to the session as an error event.
func (h *Hub) Reject(s Session, command string, err error) {
	h.logger.Warn().Err(err).
		Str("clientId", s.ID()).
		Str("command", command).
		Msg("command failed")
	s.Send(errorEvent(command, err))
}

func (h *Hub) join(ctx context.Context, s Session, data []byte) error {
	projectID, err := decodeProjectRef(data)
	if err != nil {
		return err
	}

	// Read the store before touching membership, so a failed join leaves
	// the client out of the project.
	state, err := h.projectState(ctx, projectID, nil)
	if err != nil {
		return err
	}

	members, ok := h.joinAttached(s, projectID)
	if !ok {
		h.logger.Debug().Str("clientId", s.ID()).Str("projectId", projectID).Msg("join after disconnect ignored")
		return nil
	}
	state.UsersOnline = members

	s.Send(stateEvent(state))
	h.notify(projectID, stateEvent(state), s.ID())
	h.logger.Debug().Str("clientId", s.ID()).Str("projectId", projectID).Msg("joined project")
	return nil
}

// joinAttached adds s to the project only while s is still attached. Detach
// removes the session under the write lock before clearing membership, so a
// join racing a disconnect either lands first and is cleared, or is refused.
func (h *Hub) joinAttached(s Session, projectID string) ([]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if cur, ok := h.sessions[s.ID()]; !ok || cur != s {
		return nil, false
	}
	return h.registry.Join(projectID, s.ID(), s.Transport()), true
}

func (h *Hub) leave(ctx context.Context, s Session, data []byte) error {
	projectID, err := decodeProjectRef(data)
	if err != nil {
		return err
	}

	if remaining, left := h.registry.Leave(projectID, s.ID()); left {
		h.notify(projectID, stateEvent(h.presence(ctx, projectID, remaining)), "")
	}
	s.Send(Event{Type: TypeLeaveProjectAck, Data: ProjectRef{ProjectID: projectID}})
	return nil
}

func (h *Hub) operation(ctx context.Context, s Session, data []byte) error {
	var in oplog.Input
	if err := decodeData(data, &in); err != nil {
		return err
	}
	if err := in.Normalize(); err != nil {
		return err
	}

	// An append that reached the store finishes and is broadcast even if
	// the submitter disconnects meanwhile.
	op, err := h.Submit(context.WithoutCancel(ctx), s.ID(), in)
	if err != nil {
		return err
	}

	s.Send(Event{Type: TypeOperationAck, Data: OperationAck{
		OperationID: op.ID,
		Timestamp:   op.Timestamp,
		Version:     op.Version,
	}})
	return nil
}

func (h *Hub) sync(ctx context.Context, s Session, data []byte) error {
	var req SyncRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	res, err := h.syncer.Since(ctx, req.ProjectID, req.LastKnownVersion, req.Limit)
	if err != nil {
		return err
	}
	s.Send(Event{Type: TypeSyncResponse, Data: SyncResponse{ProjectID: req.ProjectID, SyncResult: res}})
	return nil
}

// Submit appends an operation and hands it to the relay for broadcast.
// clientID is excluded from the broadcast; pass "" for submissions that do
// not come from a connected client.
//
// A publish failure does not fail the submission: the operation is durable.
// Local members are then served directly, and other instances catch up on
// their next sync.
func (h *Hub) Submit(ctx context.Context, clientID string, in oplog.Input) (oplog.Operation, error) {
	op, err := h.log.Append(ctx, in)
	if err != nil {
		return oplog.Operation{}, err
	}

	env := relay.Envelope{Operation: op, Origin: &relay.Origin{Instance: h.id, Client: clientID}}
	if err := h.relay.Publish(ctx, env); err != nil {
		h.relayDegraded.Store(true)
		h.logger.Error().Err(err).
			Str("projectId", op.ProjectID).
			Int64("version", op.Version).
			Msg("relay publish failed, delivering to local clients only")
		h.deliver(ctx, env)
		return op, nil
	}
	h.relayDegraded.Store(false)
	return op, nil
}

// deliver broadcasts a relayed operation to local project members.
func (h *Hub) deliver(_ context.Context, env relay.Envelope) {
	var skip string
	if env.Origin != nil && env.Origin.Instance == h.id {
		skip = env.Origin.Client
	}
	h.notify(env.ProjectID, Event{Type: TypeBroadcast, Data: env.Operation}, skip)
}

// notify sends ev to every local member of the project except one client.
func (h *Hub) notify(projectID string, ev Event, except string) {
	ids := h.registry.MemberIDs(projectID)
	h.mu.RLock()
	targets := make([]Session, 0, len(ids))
	for _, id := range ids {
		if id == except {
			continue
		}
		if s, ok := h.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.Send(ev) {
			h.logger.Warn().Str("clientId", s.ID()).Str("type", ev.Type).Msg("event dropped")
		}
	}
}

func (h *Hub) projectState(ctx context.Context, projectID string, members []string) (ProjectState, error) {
	version, err := h.log.CurrentVersion(ctx, projectID)
	if err != nil {
		return ProjectState{}, err
	}
	files, err := h.log.Files(ctx, projectID)
	if err != nil {
		return ProjectState{}, err
	}
	if files == nil {
		files = []string{}
	}
	return ProjectState{ProjectID: projectID, UsersOnline: members, Files: files, Version: version}, nil
}

func stateEvent(state ProjectState) Event {
	return Event{Type: TypeProjectState, Data: state}
}

// presence builds a presence update, falling back to membership only when
// the store cannot be read.
func (h *Hub) presence(ctx context.Context, projectID string, members []string) ProjectState {
	state, err := h.projectState(ctx, projectID, members)
	if err != nil {
		h.logger.Warn().Err(err).Str("projectId", projectID).Msg("presence update without version")
		return ProjectState{ProjectID: projectID, UsersOnline: members, Files: []string{}}
	}
	return state
}

// Sessions returns the number of attached connections.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close drops all sessions and membership.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.sessions = make(map[string]Session)
	h.mu.Unlock()
	h.registry.Reset()
	return h.relay.Close()
}
