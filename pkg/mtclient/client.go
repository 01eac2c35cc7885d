package mtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix is the prefix of the service subjects. Defaults to "mt".
	SubjectPrefix string

	// Timeout bounds requests without a context deadline. Execute requests
	// wait for batching and execution, so this should exceed the service's
	// batch and execution timeouts. Defaults to 30s.
	Timeout time.Duration
}

type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("mtclient: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "mt"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{nc: cfg.NC, prefix: prefix, timeout: timeout}, nil
}

// Request is an execution request. Empty fields are unconstrained.
type Request struct {
	Payload      string   `json:"payload"`
	Preference   string   `json:"preference,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Class        string   `json:"class,omitempty"`
}

type Result struct {
	Resource string `json:"resource"`
	Result   string `json:"result"`
}

type Selection struct {
	Resource string `json:"resource"`
	FellBack bool   `json:"fell_back"`
	Reason   string `json:"reason,omitempty"`
}

type Job struct {
	ID           string        `json:"id"`
	Resource     string        `json:"resource"`
	Operation    string        `json:"operation"`
	SourceTier   string        `json:"source_tier"`
	TargetTier   string        `json:"target_tier"`
	ToCache      bool          `json:"to_cache,omitempty"`
	Progress     float64       `json:"progress"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitzero"`
	TimeEstimate time.Duration `json:"time_estimate_ns"`
	Evicted      []string      `json:"evicted,omitempty"`
}

// Done reports whether the job has finished.
func (j Job) Done() bool {
	return j.Status != "" && j.Status != "running"
}

type Budget struct {
	Tier        string  `json:"tier"`
	Capacity    int64   `json:"capacity"`
	Reserved    int64   `json:"reserved"`
	Used        int64   `json:"used"`
	Free        int64   `json:"free"`
	Utilization float64 `json:"utilization"`
	Residents   int     `json:"residents"`
}

type Instance struct {
	State       string    `json:"state"`
	Tier        string    `json:"tier"`
	LoadedAt    time.Time `json:"loaded_at,omitzero"`
	LastUsed    time.Time `json:"last_used,omitzero"`
	UsageCount  uint64    `json:"usage_count"`
	MemoryBytes int64     `json:"memory_bytes"`
	ActiveJob   string    `json:"active_job,omitempty"`
	Leases      int       `json:"leases"`
}

type Resource struct {
	Name         string   `json:"name"`
	SizeBytes    int64    `json:"size_bytes"`
	TierAffinity string   `json:"tier_affinity"`
	Capabilities []string `json:"capabilities"`
	Priority     string   `json:"priority"`
	Source       string   `json:"source,omitempty"`
	Instance     Instance `json:"instance"`
}

// Event is a job lifecycle event.
type Event struct {
	Name     string    `json:"name"`
	Resource string    `json:"resource"`
	Job      Job       `json:"job"`
	Time     time.Time `json:"time"`
}

// Execute queues a request and waits for its result.
func (c *Client) Execute(ctx context.Context, req Request) (Result, error) {
	var out Result
	return out, c.call(ctx, c.prefix+".request", req, &out)
}

// Select reports which resource a request would run on.
func (c *Client) Select(ctx context.Context, req Request) (Selection, error) {
	var out Selection
	return out, c.call(ctx, c.prefix+".select", req, &out)
}

// Migrate submits a migration of resource into target ("fast", "medium" or
// "slow") and returns the job snapshot.
func (c *Client) Migrate(ctx context.Context, resource, target string) (Job, error) {
	var out Job
	body := map[string]string{"target_tier": target}
	return out, c.call(ctx, c.prefix+".migrate."+resource, body, &out)
}

// Unload submits an unload job. With toCache the payload is kept in the
// service's blob cache.
func (c *Client) Unload(ctx context.Context, resource string, toCache bool) (Job, error) {
	var out Job
	body := map[string]bool{"to_cache": toCache}
	return out, c.call(ctx, c.prefix+".unload."+resource, body, &out)
}

func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var out Job
	return out, c.call(ctx, c.prefix+".job."+id, nil, &out)
}

// WaitJob polls the job until it finishes or ctx is done.
func (c *Client) WaitJob(ctx context.Context, id string) (Job, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		j, err := c.Job(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if j.Done() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Tiers(ctx context.Context) ([]Budget, error) {
	var out []Budget
	return out, c.call(ctx, c.prefix+".tiers", nil, &out)
}

func (c *Client) Resources(ctx context.Context) ([]Resource, error) {
	var out []Resource
	return out, c.call(ctx, c.prefix+".resources", nil, &out)
}

// Watch calls fn for each job event of resource, or of every resource when
// resource is empty, until ctx is done.
func (c *Client) Watch(ctx context.Context, resource string, fn func(Event)) error {
	subject := c.prefix + ".events.job.>"
	if resource != "" {
		subject = c.prefix + ".events.job." + resource
	}
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		fn(e)
	})
	if err != nil {
		return fmt.Errorf("mtclient: subscribing to %s: %w", subject, err)
	}
	defer sub.Unsubscribe()
	if err := c.nc.Flush(); err != nil {
		return fmt.Errorf("mtclient: flushing subscription: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (c *Client) call(ctx context.Context, subject string, body, out any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("mtclient: encoding request: %w", err)
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w: %s", ErrNoResponder, subject)
		}
		return fmt.Errorf("mtclient: request %s: %w", subject, err)
	}

	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(resp.Data, &e) == nil && e.Error != "" {
		return &Error{Code: e.Code, Message: e.Error}
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("mtclient: decoding %s reply: %w", subject, err)
	}
	return nil
}
