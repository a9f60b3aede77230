// Package provision implements the ephemeral GPU pod provisioner: an
// async creation pipeline persisted as PodSetupState phases, GPU-family
// selection with a blocklist/fallback, smoke-test gating, and an optional
// queue-depth autoscale trigger.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"forgecast/internal/store"

	"github.com/go-resty/resty/v2"
)

// Store is the subset of *store.Store the provisioner needs.
type Store interface {
	CreatePodSetupState(ctx context.Context, p *store.PodSetupState) error
	GetPodSetupState(ctx context.Context, instanceID string) (*store.PodSetupState, error)
	ListPodSetupStates(ctx context.Context) ([]*store.PodSetupState, error)
	AdvancePodSetupPhase(ctx context.Context, instanceID, phase, stepLog string, podID *string) error
	FailPodSetup(ctx context.Context, instanceID, errMsg string) error
	SetPodPersistent(ctx context.Context, instanceID string, persistent bool) error
	DeletePodSetupState(ctx context.Context, instanceID string) error
	CountQueuedByKind(ctx context.Context, kind string) (int, error)
	ListNodes(ctx context.Context) ([]*store.Node, error)
}

// stepRecord is one entry in a PodSetupState's JSON step log.
type stepRecord struct {
	Phase string    `json:"phase"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Options configures the provisioner from the RUNPOD_* knobs.
type Options struct {
	APIKey              string
	TemplateID          string
	PreferredGPU        string
	BlockedGPUs         []string
	MaxPods             int
	ScaleThreshold      int
	AutoScaleEnabled    bool
	PollInterval        time.Duration
	PublicURL           string
	NetworkingSecretRef string
}

// Provisioner drives pod lifecycle against the external GPU rental API.
type Provisioner struct {
	store   Store
	client  *resty.Client
	opts    Options
	nowStep func() time.Time
}

// New builds a Provisioner around client, which carries the provider
// base URL and request timeout.
func New(s Store, client *resty.Client, opts Options) *Provisioner {
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Provisioner{store: s, client: client, opts: opts, nowStep: func() time.Time { return time.Now().UTC() }}
}

func newInstanceID() string {
	buf := make([]byte, 6)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// gpuCandidates returns the preferred GPU followed by a small fixed
// fallback list, skipping anything in the blocklist.
func (p *Provisioner) gpuCandidates() []string {
	fallbacks := []string{p.opts.PreferredGPU, "RTX A6000", "RTX A5000", "A100 PCIe", "RTX 4090", "RTX 3090"}
	blocked := make(map[string]bool, len(p.opts.BlockedGPUs))
	for _, b := range p.opts.BlockedGPUs {
		blocked[b] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, gpu := range fallbacks {
		if gpu == "" || blocked[gpu] || seen[gpu] {
			continue
		}
		seen[gpu] = true
		out = append(out, gpu)
	}
	return out
}

// Create kicks off the async creation pipeline in a background goroutine
// and returns the instance id immediately; callers poll the setup-status
// endpoint for progress.
func (p *Provisioner) Create(ctx context.Context, persistent bool) (string, error) {
	instanceID := newInstanceID()
	state := &store.PodSetupState{
		InstanceID: instanceID,
		Persistent: persistent,
		Phase:      store.PhaseCreating,
	}
	if err := p.store.CreatePodSetupState(ctx, state); err != nil {
		return "", fmt.Errorf("create pod setup state: %w", err)
	}

	go p.runCreation(context.WithoutCancel(ctx), instanceID, persistent)
	return instanceID, nil
}

func (p *Provisioner) runCreation(ctx context.Context, instanceID string, persistent bool) {
	podID, err := p.createWithFallback(ctx, instanceID)
	if err != nil {
		p.fail(ctx, instanceID, fmt.Errorf("create instance: %w", err))
		return
	}
	if err := p.advance(ctx, instanceID, store.PhaseStarting, "pod created", &podID); err != nil {
		slog.Error("provision: advance failed", "instance_id", instanceID, "error", err)
	}

	if err := p.pollUntilRunning(ctx, instanceID, podID); err != nil {
		p.fail(ctx, instanceID, fmt.Errorf("poll running: %w", err))
		return
	}
	if err := p.advance(ctx, instanceID, store.PhaseBooting, "provider reports running", nil); err != nil {
		slog.Error("provision: advance failed", "instance_id", instanceID, "error", err)
	}

	// The pod itself reports installing/smoke_testing/registering via its
	// callback to the HTTP progress endpoint (see endpoints.HandleReportSetupPhase);
	// this goroutine's job ends once the instance is confirmed running.
	// A stuck pod that never calls back is visible via ListPodSetupStates
	// staying at "booting" past a reasonable operator-observed window.
	_ = persistent
}

// createWithFallback tries each GPU candidate in order until the provider
// accepts one.
func (p *Provisioner) createWithFallback(ctx context.Context, instanceID string) (string, error) {
	var lastErr error
	for _, gpu := range p.gpuCandidates() {
		podID, err := p.callCreate(ctx, instanceID, gpu)
		if err == nil {
			return podID, nil
		}
		lastErr = err
		slog.Warn("provision: gpu candidate rejected", "instance_id", instanceID, "gpu", gpu, "error", err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gpu candidates configured")
	}
	return "", lastErr
}

type createPodRequest struct {
	TemplateID string            `json:"template_id"`
	GPUType    string            `json:"gpu_type"`
	Name       string            `json:"name"`
	Env        map[string]string `json:"env"`
	StartupID  string            `json:"startup_script_id"`
}

type createPodResponse struct {
	ID string `json:"id"`
}

func (p *Provisioner) callCreate(ctx context.Context, instanceID, gpuType string) (string, error) {
	req := createPodRequest{
		TemplateID: p.opts.TemplateID,
		GPUType:    gpuType,
		Name:       "forgecast-node-" + instanceID,
		Env: map[string]string{
			"FORGECAST_SERVER_URL": p.opts.PublicURL,
			"NETWORKING_SECRET":    p.opts.NetworkingSecretRef,
			"INSTANCE_ID":          instanceID,
		},
		StartupID: "forgecast-node-bootstrap",
	}

	var resp createPodResponse
	r, err := p.client.R().SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.opts.APIKey).
		SetBody(req).
		SetResult(&resp).
		Post("/pods")
	if err != nil {
		return "", fmt.Errorf("create pod request: %w", err)
	}
	if r.IsError() {
		return "", fmt.Errorf("create pod: provider returned status %d", r.StatusCode())
	}
	return resp.ID, nil
}

type podStatusResponse struct {
	Status string `json:"status"`
}

func (p *Provisioner) pollUntilRunning(ctx context.Context, instanceID, podID string) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var status podStatusResponse
			r, err := p.client.R().SetContext(ctx).
				SetHeader("Authorization", "Bearer "+p.opts.APIKey).
				SetResult(&status).
				Get("/pods/" + podID)
			if err != nil {
				continue
			}
			if r.IsError() {
				continue
			}
			if status.Status == "running" {
				return nil
			}
			if status.Status == "failed" || status.Status == "terminated" {
				return fmt.Errorf("provider reports pod %s", status.Status)
			}
		}
	}
}

// ReportPhase records a phase transition reported by the pod itself via
// its HTTP callback (installing/smoke_testing/registering/ready/failed).
func (p *Provisioner) ReportPhase(ctx context.Context, instanceID, phase, note string) error {
	return p.advance(ctx, instanceID, phase, note, nil)
}

// SmokeTestPassed is called once the pod successfully transcribes 1s of
// silence; a failing smoke test should instead call ReportPhase with
// store.PhaseFailed directly.
func (p *Provisioner) SmokeTestPassed(ctx context.Context, instanceID string) error {
	return p.advance(ctx, instanceID, store.PhaseRegistering, "smoke test passed", nil)
}

func (p *Provisioner) advance(ctx context.Context, instanceID, phase, note string, podID *string) error {
	state, err := p.store.GetPodSetupState(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load setup state: %w", err)
	}
	var steps []stepRecord
	_ = json.Unmarshal([]byte(state.StepLog), &steps)
	steps = append(steps, stepRecord{Phase: phase, At: p.nowStep(), Note: note})
	buf, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal step log: %w", err)
	}
	return p.store.AdvancePodSetupPhase(ctx, instanceID, phase, string(buf), podID)
}

func (p *Provisioner) fail(ctx context.Context, instanceID string, cause error) {
	slog.Error("provision: creation failed", "instance_id", instanceID, "error", cause)
	if err := p.store.FailPodSetup(ctx, instanceID, cause.Error()); err != nil {
		slog.Error("provision: mark failed failed", "instance_id", instanceID, "error", err)
	}
}

// Terminate tears down a pod by its provider id and deletes the setup
// state recorded for it. Safe to call even if the provider has already
// reclaimed it.
func (p *Provisioner) Terminate(ctx context.Context, podID string) error {
	r, err := p.client.R().SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.opts.APIKey).
		Delete("/pods/" + podID)
	if err != nil {
		return fmt.Errorf("terminate pod request: %w", err)
	}
	if r.IsError() && r.StatusCode() != 404 {
		return fmt.Errorf("terminate pod: provider returned status %d", r.StatusCode())
	}
	states, err := p.store.ListPodSetupStates(ctx)
	if err != nil {
		return fmt.Errorf("list setup states: %w", err)
	}
	for _, s := range states {
		if s.PodID.Valid && s.PodID.String == podID {
			if err := p.store.DeletePodSetupState(ctx, s.InstanceID); err != nil {
				return fmt.Errorf("clear setup state: %w", err)
			}
		}
	}
	return nil
}

// List returns every setup state, in-flight or terminal.
func (p *Provisioner) List(ctx context.Context) ([]*store.PodSetupState, error) {
	return p.store.ListPodSetupStates(ctx)
}

// SetPersistent flips the "keep this pod" operator toggle.
func (p *Provisioner) SetPersistent(ctx context.Context, instanceID string, persistent bool) error {
	return p.store.SetPodPersistent(ctx, instanceID, persistent)
}

// MaybeAutoScale is the optional autoscaling trigger: when the Transcribe
// queue depth exceeds scale_threshold and registered nodes plus pods still
// being set up number fewer than max_pods, start one pod. Callers run this
// on a ticker.
func (p *Provisioner) MaybeAutoScale(ctx context.Context) {
	if !p.opts.AutoScaleEnabled {
		return
	}
	depth, err := p.store.CountQueuedByKind(ctx, store.JobKindTranscribe)
	if err != nil {
		slog.Error("provision: autoscale queue depth check failed", "error", err)
		return
	}
	if depth <= p.opts.ScaleThreshold {
		return
	}

	nodes, err := p.store.ListNodes(ctx)
	if err != nil {
		slog.Error("provision: autoscale node count check failed", "error", err)
		return
	}
	states, err := p.store.ListPodSetupStates(ctx)
	if err != nil {
		slog.Error("provision: autoscale setup state check failed", "error", err)
		return
	}
	live := len(nodes)
	for _, s := range states {
		if s.Phase != store.PhaseReady && s.Phase != store.PhaseFailed {
			live++
		}
	}
	if live >= p.opts.MaxPods {
		return
	}

	if _, err := p.Create(ctx, false); err != nil {
		slog.Error("provision: autoscale create failed", "error", err)
	} else {
		slog.Info("provision: autoscale started a new pod", "queue_depth", depth, "live_nodes", len(nodes))
	}
}
