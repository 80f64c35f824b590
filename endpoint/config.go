package endpoint

import (
	"time"

	"github.com/pkg/errors"

	"github.com/talonrpc/talonrpc/logger"
	"github.com/talonrpc/talonrpc/transport"
	"github.com/talonrpc/talonrpc/util/envconst"
)

// SMEvent is delivered to the user's session-management handler.
type SMEvent int

const (
	SMEventConnected SMEvent = iota + 1
	SMEventConnectFailed
	SMEventDisconnected
	SMEventReset
	SMEventError
)

func (e SMEvent) String() string {
	switch e {
	case SMEventConnected:
		return "connected"
	case SMEventConnectFailed:
		return "connect-failed"
	case SMEventDisconnected:
		return "disconnected"
	case SMEventReset:
		return "reset"
	case SMEventError:
		return "error"
	default:
		return "unknown"
	}
}

// SMHandler observes session state transitions. It runs on the
// endpoint's goroutine and must not block.
type SMHandler func(sessNum int, event SMEvent)

// Defaults chosen empirically; override via environment.
var (
	defaultRTO             = envconst.Duration("TALON_RTO", 8*time.Millisecond)
	defaultMaxRetransmits  = envconst.Int("TALON_MAX_RETRANSMITS", 3)
	defaultSMRetryInterval = envconst.Duration("TALON_SM_RETRY_INTERVAL", 50*time.Millisecond)
	defaultSMRetryBudget   = envconst.Int("TALON_SM_RETRY_BUDGET", 5)
	defaultMaxSessions     = envconst.Int("TALON_MAX_SESSIONS", 128)
)

const (
	minWindowSize = 1
	maxWindowSize = 8
)

// Config parameterizes an Endpoint.
type Config struct {
	// ID is the endpoint identifier, unique within the Nexus.
	ID uint8
	// Transport is the packet driver. The endpoint takes ownership and
	// closes it on Close.
	Transport transport.Transport
	// UserCtx is handed to request handlers and continuations.
	UserCtx interface{}
	// SMHandler observes session events. Optional.
	SMHandler SMHandler

	// WindowSize is the number of concurrent exchanges per session,
	// in [1, 8].
	WindowSize int
	// MaxMsgSize caps request and response payloads.
	MaxMsgSize int
	// PoolChunksPerClass bounds the buffer pool; 0 means unbounded
	// (heap fallback instead of allocation failure).
	PoolChunksPerClass uint

	RetransmitTimeout time.Duration
	MaxRetransmits    int
	SMRetryInterval   time.Duration
	SMRetryBudget     int
	// RetryConnectOnInvalidRemoteID retries a connect that was nacked
	// with an invalid-remote-endpoint error, with backoff.
	RetryConnectOnInvalidRemoteID bool

	// DatapathChecks enables creator-goroutine and state assertions on
	// the hot path.
	DatapathChecks bool

	// NumBgWorkers is the number of background handler goroutines.
	NumBgWorkers int
	// ResponseBatchSize defers response transmission until this many
	// responses are pending or an event-loop iteration sees no new
	// requests.
	ResponseBatchSize int

	MaxSessions int

	Log logger.Logger
}

func (c *Config) setDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = maxWindowSize
	}
	if c.MaxMsgSize == 0 {
		c.MaxMsgSize = 1 << 20
	}
	if c.RetransmitTimeout == 0 {
		c.RetransmitTimeout = defaultRTO
	}
	if c.MaxRetransmits == 0 {
		c.MaxRetransmits = defaultMaxRetransmits
	}
	if c.SMRetryInterval == 0 {
		c.SMRetryInterval = defaultSMRetryInterval
	}
	if c.SMRetryBudget == 0 {
		c.SMRetryBudget = defaultSMRetryBudget
	}
	if c.ResponseBatchSize == 0 {
		c.ResponseBatchSize = 1
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.Log == nil {
		c.Log = logger.NewNullLogger()
	}
}

func (c *Config) validate() error {
	if c.Transport == nil {
		return errors.New("config: Transport is required")
	}
	if c.WindowSize < minWindowSize || c.WindowSize > maxWindowSize {
		return errors.Errorf("config: WindowSize %d outside [%d, %d]",
			c.WindowSize, minWindowSize, maxWindowSize)
	}
	if c.MaxMsgSize <= 0 {
		return errors.Errorf("config: MaxMsgSize %d must be positive", c.MaxMsgSize)
	}
	if c.NumBgWorkers < 0 {
		return errors.Errorf("config: NumBgWorkers %d must not be negative", c.NumBgWorkers)
	}
	if maxData := transport.MaxData(c.Transport); maxData <= 0 {
		return errors.Errorf("config: transport MTU %d does not fit the packet header",
			c.Transport.MTU())
	}
	return nil
}
