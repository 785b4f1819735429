// Package orchestrator drives a deployment's container through its
// spawn/stop/restart/remove lifecycle, coordinating the port allocator,
// model validator, config materializer, and health checker.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/layer3studios/proxyclaw/internal/apperr"
	"github.com/layer3studios/proxyclaw/internal/clock"
	"github.com/layer3studios/proxyclaw/internal/config"
	"github.com/layer3studios/proxyclaw/internal/configmat"
	"github.com/layer3studios/proxyclaw/internal/credentials"
	"github.com/layer3studios/proxyclaw/internal/crypto"
	"github.com/layer3studios/proxyclaw/internal/events"
	"github.com/layer3studios/proxyclaw/internal/health"
	"github.com/layer3studios/proxyclaw/internal/logging"
	"github.com/layer3studios/proxyclaw/internal/metrics"
	"github.com/layer3studios/proxyclaw/internal/modelcfg"
	"github.com/layer3studios/proxyclaw/internal/portalloc"
	"github.com/layer3studios/proxyclaw/internal/runtime"
	"github.com/layer3studios/proxyclaw/internal/statemachine"
	"github.com/layer3studios/proxyclaw/internal/store"
)

const (
	mib = 1 << 20

	stopGraceSeconds    = 30
	restartGraceSeconds = 30
)

// Orchestrator implements spawnAgent/stopAgent/restartAgent/removeAgent.
type Orchestrator struct {
	store   *store.Store
	rt      runtime.Adapter
	alloc   *portalloc.Allocator
	models  *modelcfg.Table
	mat     *configmat.Materializer
	checker *health.Checker
	bus     *events.Bus
	cfg     *config.Config
	secrets *crypto.Manager
	log     *logging.Logger
	clk     clock.Clock

	pullMu   sync.Mutex
	pullings map[string]chan struct{}
}

// New wires an Orchestrator from its collaborators.
func New(
	st *store.Store,
	rt runtime.Adapter,
	alloc *portalloc.Allocator,
	models *modelcfg.Table,
	mat *configmat.Materializer,
	checker *health.Checker,
	bus *events.Bus,
	cfg *config.Config,
	secrets *crypto.Manager,
	log *logging.Logger,
	clk clock.Clock,
) *Orchestrator {
	return &Orchestrator{
		store:    st,
		rt:       rt,
		alloc:    alloc,
		models:   models,
		mat:      mat,
		checker:  checker,
		bus:      bus,
		cfg:      cfg,
		secrets:  secrets,
		log:      log,
		clk:      clk,
		pullings: make(map[string]chan struct{}),
	}
}

// checkTransition validates from → to against the state machine table
// before a caller applies it, logging at warning level when the move only
// succeeds because it used the error/idle escape hatch.
func (o *Orchestrator) checkTransition(deploymentID string, from, to store.Status) error {
	if err := statemachine.Transition(from, to); err != nil {
		return err
	}
	if statemachine.IsEscapeHatchUse(from, to) {
		o.log.Warn("deployment transition used escape hatch", "deploymentId", deploymentID, "from", from, "to", to)
	}
	return nil
}

// containerName returns the canonical container name for a deployment,
// used both at creation time and to find zombie containers left over from
// a prior, incompletely-cleaned-up attempt.
func (o *Orchestrator) containerName(deploymentID string) string {
	return fmt.Sprintf("%s-%s", o.cfg.ContainerPrefix, deploymentID)
}

// SpawnAgent runs a deployment's container through the full create path:
// fleet gate, zombie cleanup, port reservation, model resolution, config
// materialization, image pull, container create+start, and hand-off to the
// health checker. A fleet-gate rejection, and any failure after the
// configuring transition, leaves the deployment in status=error with a
// diagnostic message.
func (o *Orchestrator) SpawnAgent(ctx context.Context, deploymentID string) error {
	start := o.clk.Now()
	outcome := "success"
	defer func() {
		metrics.SpawnsTotal.WithLabelValues(outcome).Inc()
		metrics.SpawnDuration.Observe(o.clk.Since(start).Seconds())
	}()

	deployment, err := o.store.FindDeploymentByID(deploymentID)
	if err != nil {
		outcome = "not_found"
		return fmt.Errorf("find deployment: %w", err)
	}

	running, err := o.store.CountDeploymentsByFilter(func(d *store.Deployment) bool {
		return d.ContainerID != "" && isFleetCounted(d.Status)
	})
	if err != nil {
		outcome = "error"
		return fmt.Errorf("count running deployments: %w", err)
	}
	if running >= o.cfg.MaxRunningAgents {
		outcome = "capacity_full"
		o.bus.Publish(events.Event{Type: events.EventCapacityRejected, DeploymentID: deploymentID, Timestamp: o.clk.Now()})
		return o.failSpawn(deploymentID, "", 0, apperr.Capacity(fmt.Sprintf("fleet at capacity: %d/%d running agents", running, o.cfg.MaxRunningAgents)))
	}

	if err := o.reapZombieContainer(ctx, deploymentID); err != nil {
		outcome = "error"
		return fmt.Errorf("zombie cleanup: %w", err)
	}

	if err := o.checkTransition(deploymentID, deployment.Status, store.StatusConfiguring); err != nil {
		outcome = "invalid_state"
		return err
	}

	deployment, err = o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.Status = store.StatusConfiguring
		d.ProvisioningStep = "Allocating resources..."
		d.ContainerID = ""
		d.InternalPort = 0
		d.ErrorMessage = ""
	})
	if err != nil {
		outcome = "error"
		return fmt.Errorf("transition to configuring: %w", err)
	}

	port, err := o.alloc.Allocate(ctx)
	if err != nil {
		outcome = "port_exhausted"
		return o.failSpawn(deploymentID, "", 0, err)
	}

	deployment, err = o.alloc.Reserve(deploymentID, port)
	if err != nil {
		// The deployment may have left StatusConfiguring between Allocate and
		// Reserve (e.g. a concurrent stop); fall back to an unconditional
		// write so the port is not silently lost, per the spec's fallback rule.
		deployment, err = o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
			d.InternalPort = port
		})
		if err != nil {
			o.alloc.Release(port)
			outcome = "error"
			return o.failSpawn(deploymentID, "", port, err)
		}
	}

	model, err := o.models.Resolve(deployment.Config.Model, o.hasKeyFor(deployment))
	if err != nil {
		outcome = "no_model"
		return o.failSpawn(deploymentID, "", port, err)
	}

	secrets, err := o.decryptSecrets(deployment.Secrets)
	if err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, fmt.Errorf("decrypt secrets: %w", err))
	}
	if err := validateSecretShapes(secrets); err != nil {
		outcome = "invalid_secret"
		return o.failSpawn(deploymentID, "", port, err)
	}

	gatewayToken, err := credentials.GenerateGatewayToken()
	if err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, fmt.Errorf("generate gateway token: %w", err))
	}
	encryptedGatewayToken, err := o.secrets.Encrypt(gatewayToken)
	if err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, fmt.Errorf("encrypt gateway token: %w", err))
	}
	if _, err := o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.Secrets.WebUITokens = encryptedGatewayToken
	}); err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, fmt.Errorf("persist gateway token: %w", err))
	}

	matSpec := configmat.Spec{
		DeploymentID: deploymentID,
		Model:        model,
		GatewayPort:  o.cfg.AgentInternalPort,
		GatewayToken: gatewayToken,
		Secrets: configmat.Secrets{
			GoogleAPIKey:     secrets.GoogleAPIKey,
			AnthropicAPIKey:  secrets.AnthropicAPIKey,
			OpenAIAPIKey:     secrets.OpenAIAPIKey,
			TelegramBotToken: secrets.TelegramBotToken,
		},
	}
	if err := o.mat.Materialize(matSpec); err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, fmt.Errorf("materialize config: %w", err))
	}

	if err := o.checkTransition(deploymentID, deployment.Status, store.StatusProvisioning); err != nil {
		outcome = "invalid_state"
		return o.failSpawn(deploymentID, "", port, err)
	}

	deployment, err = o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.Status = store.StatusProvisioning
		d.ProvisioningStep = "Pulling agent image..."
	})
	if err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, err)
	}

	if err := o.ensureImage(ctx, o.cfg.AgentImage); err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, fmt.Errorf("ensure image: %w", err))
	}

	deployment, err = o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.ProvisioningStep = "Starting container..."
	})
	if err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, err)
	}

	spec := o.createSpec(deployment, matSpec, gatewayToken, port, 0, 0)
	containerID, err := o.rt.CreateContainer(ctx, spec)
	if err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, "", port, fmt.Errorf("create container: %w", err))
	}
	if err := o.rt.StartContainer(ctx, containerID); err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, containerID, port, fmt.Errorf("start container: %w", err))
	}

	deployment, err = o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.ContainerID = containerID
		d.InternalPort = port
	})
	if err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, containerID, port, err)
	}

	if err := o.checkTransition(deploymentID, deployment.Status, store.StatusStarting); err != nil {
		outcome = "invalid_state"
		return o.failSpawn(deploymentID, containerID, port, err)
	}

	deployment, err = o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.Status = store.StatusStarting
		d.ProvisioningStep = "Waiting for health check..."
	})
	if err != nil {
		outcome = "error"
		return o.failSpawn(deploymentID, containerID, port, err)
	}

	o.armHealthCheck(ctx, deploymentID, port)
	o.bus.Publish(events.Event{Type: events.EventDeploymentTransition, DeploymentID: deploymentID, Message: "starting", Timestamp: o.clk.Now()})
	return nil
}

// armHealthCheck registers a health probe whose success transitions the
// deployment to healthy, clears any stale error, and sets both
// LastHeartbeat and LastRequestAt to now.
func (o *Orchestrator) armHealthCheck(ctx context.Context, deploymentID string, port int) {
	o.checker.Start(ctx, deploymentID, port, o.cfg.HealthCheckInterval, o.cfg.HealthCheckTimeout, func(id string) {
		now := o.clk.Now()
		current, err := o.store.FindDeploymentByID(id)
		if err != nil {
			o.log.Error("health check: find deployment", "deploymentId", id, "error", err)
			return
		}
		if err := o.checkTransition(id, current.Status, store.StatusHealthy); err != nil {
			o.log.Warn("health check: illegal transition to healthy, ignoring", "deploymentId", id, "from", current.Status, "error", err)
			return
		}
		_, err = o.store.UpdateDeployment(id, "", func(d *store.Deployment) {
			d.Status = store.StatusHealthy
			d.ErrorMessage = ""
			d.LastHeartbeat = &now
			d.LastRequestAt = &now
		})
		if err != nil {
			o.log.Error("mark deployment healthy after health check", "deploymentId", id, "error", err)
			return
		}
		o.bus.Publish(events.Event{Type: events.EventDeploymentTransition, DeploymentID: id, Message: "healthy", Timestamp: now})
	})
}

// failSpawn performs the shared cleanup the spec requires for any failure
// after the configuring transition: remove the container if one was
// created, release the port if one was reserved, and leave the deployment
// in status=error with the failure's message preserved.
func (o *Orchestrator) failSpawn(deploymentID, containerID string, port int, cause error) error {
	if containerID != "" {
		if err := o.rt.RemoveContainer(context.Background(), containerID); err != nil {
			o.log.Warn("remove container during spawn failure cleanup", "deploymentId", deploymentID, "error", err)
		}
	}
	if port != 0 {
		o.alloc.Release(port)
	}
	if current, findErr := o.store.FindDeploymentByID(deploymentID); findErr == nil && statemachine.IsEscapeHatchUse(current.Status, store.StatusError) {
		o.log.Warn("deployment transition used escape hatch", "deploymentId", deploymentID, "from", current.Status, "to", store.StatusError)
	}
	if _, err := o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.Status = store.StatusError
		d.ErrorMessage = cause.Error()
		d.ContainerID = ""
	}); err != nil {
		o.log.Error("mark deployment errored after spawn failure", "deploymentId", deploymentID, "error", err)
	}
	return cause
}

// reapZombieContainer force-removes any container already carrying this
// deployment's canonical name, left over from a prior incomplete attempt.
func (o *Orchestrator) reapZombieContainer(ctx context.Context, deploymentID string) error {
	name := o.containerName(deploymentID)
	containers, err := o.rt.ListContainers(ctx, true)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		if !hasName(c.Names, name) {
			continue
		}
		if err := o.rt.RemoveContainer(ctx, c.ID); err != nil {
			return fmt.Errorf("remove zombie container %s: %w", c.ID, err)
		}
		if _, err := o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
			d.ContainerID = ""
			d.InternalPort = 0
		}); err != nil {
			return fmt.Errorf("clear zombie container fields: %w", err)
		}
	}
	return nil
}

// ensureImage pulls ref if it is not already present, deduplicating
// concurrent pulls of the same image across goroutines.
func (o *Orchestrator) ensureImage(ctx context.Context, ref string) error {
	exists, err := o.rt.ImageExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("check image exists: %w", err)
	}
	if exists {
		return nil
	}

	o.pullMu.Lock()
	if done, ok := o.pullings[ref]; ok {
		o.pullMu.Unlock()
		<-done
		return nil
	}
	done := make(chan struct{})
	o.pullings[ref] = done
	o.pullMu.Unlock()

	err = o.rt.PullImage(ctx, ref)

	o.pullMu.Lock()
	delete(o.pullings, ref)
	o.pullMu.Unlock()
	close(done)

	return err
}

// createSpec builds the runtime CreateSpec for a deployment's container.
// restartCPU/restartMem of 0 mean "use configured defaults".
func (o *Orchestrator) createSpec(d *store.Deployment, mat configmat.Spec, gatewayToken string, port int, cpuNanos, memoryBytes int64) runtime.CreateSpec {
	if cpuNanos == 0 {
		cpuNanos = o.cfg.AgentCPUNano
	}
	if memoryBytes == 0 {
		memoryBytes = o.cfg.AgentMemoryLimit
	}

	env := []string{
		fmt.Sprintf("DEPLOYMENT_ID=%s", d.ID),
		"NODE_ENV=production",
		fmt.Sprintf("GATEWAY_TOKEN=%s", gatewayToken),
		fmt.Sprintf("NODE_OPTIONS=--max-old-space-size=%d", heapHintMB(memoryBytes)),
	}
	if mat.Secrets.GoogleAPIKey != "" {
		env = append(env, fmt.Sprintf("GOOGLE_API_KEY=%s", mat.Secrets.GoogleAPIKey))
	}
	if mat.Secrets.AnthropicAPIKey != "" {
		env = append(env, fmt.Sprintf("ANTHROPIC_API_KEY=%s", mat.Secrets.AnthropicAPIKey))
	}
	if mat.Secrets.OpenAIAPIKey != "" {
		env = append(env, fmt.Sprintf("OPENAI_API_KEY=%s", mat.Secrets.OpenAIAPIKey))
	}
	if mat.Secrets.TelegramBotToken != "" {
		env = append(env, fmt.Sprintf("TELEGRAM_BOT_TOKEN=%s", mat.Secrets.TelegramBotToken))
	}

	dir := o.mat.DeploymentDir(d.ID)
	internalPortKey := fmt.Sprintf("%d/tcp", o.cfg.AgentInternalPort)

	return runtime.CreateSpec{
		Image: o.cfg.AgentImage,
		Name:  o.containerName(d.ID),
		Env:   env,
		Binds: []string{
			fmt.Sprintf("%s/config:/config:rw", dir),
			fmt.Sprintf("%s/data:/data:rw", dir),
		},
		PortBindings: map[string][]runtime.HostPortBinding{
			internalPortKey: {{HostPort: fmt.Sprintf("%d", port)}},
		},
		ExposedPorts: []string{internalPortKey},
		MemoryBytes:  memoryBytes,
		NanoCPUs:     cpuNanos,
		RestartPolicy: runtime.RestartPolicy{
			Name:       "on-failure",
			MaxRetries: o.cfg.AgentMaxRestarts,
		},
		Labels: map[string]string{
			runtime.LabelDeploymentID: d.ID,
			runtime.LabelSubdomain:    d.Subdomain,
			runtime.LabelManagedBy:    runtime.ManagedByValue,
		},
	}
}

// heapHintMB derives the V8-style max-old-space-size hint from a
// container's memory limit in bytes.
func heapHintMB(memoryBytes int64) int {
	if memoryBytes == 0 {
		return 1536
	}
	memMB := float64(memoryBytes) / mib
	hint := math.Floor(((memMB-128)*0.75)/64) * 64
	if hint < 256 {
		hint = 256
	}
	if hint > 1536 {
		hint = 1536
	}
	ceiling := memMB - 128
	if hint > ceiling {
		hint = math.Floor(ceiling/64) * 64
	}
	return int(hint)
}

func (o *Orchestrator) hasKeyFor(d *store.Deployment) modelcfg.HasKey {
	return func(v modelcfg.Vendor) bool {
		switch v {
		case modelcfg.VendorGoogle:
			return d.Secrets.GoogleAPIKey != ""
		case modelcfg.VendorAnthropic:
			return d.Secrets.AnthropicAPIKey != ""
		case modelcfg.VendorOpenAI:
			return d.Secrets.OpenAIAPIKey != ""
		default:
			return false
		}
	}
}

type decryptedSecrets struct {
	GoogleAPIKey     string
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	TelegramBotToken string
}

func (o *Orchestrator) decryptSecrets(s store.Secrets) (decryptedSecrets, error) {
	var out decryptedSecrets
	var err error
	if out.GoogleAPIKey, err = o.decryptOne(s.GoogleAPIKey); err != nil {
		return out, fmt.Errorf("google api key: %w", err)
	}
	if out.AnthropicAPIKey, err = o.decryptOne(s.AnthropicAPIKey); err != nil {
		return out, fmt.Errorf("anthropic api key: %w", err)
	}
	if out.OpenAIAPIKey, err = o.decryptOne(s.OpenAIAPIKey); err != nil {
		return out, fmt.Errorf("openai api key: %w", err)
	}
	if out.TelegramBotToken, err = o.decryptOne(s.TelegramBotToken); err != nil {
		return out, fmt.Errorf("telegram bot token: %w", err)
	}
	return out, nil
}

// validateSecretShapes enforces each decrypted secret matches its vendor's
// key format before orchestration hands it to the runtime. Empty secrets are
// skipped here; absence is handled by hasKeyFor/Resolve.
func validateSecretShapes(s decryptedSecrets) error {
	if s.GoogleAPIKey != "" && !modelcfg.ValidGoogleKey(s.GoogleAPIKey) {
		return apperr.Validation("googleApiKey does not match the expected format")
	}
	if s.AnthropicAPIKey != "" && !modelcfg.ValidAnthropicKey(s.AnthropicAPIKey) {
		return apperr.Validation("anthropicApiKey does not match the expected format")
	}
	if s.OpenAIAPIKey != "" && !modelcfg.ValidOpenAIKey(s.OpenAIAPIKey) {
		return apperr.Validation("openaiApiKey does not match the expected format")
	}
	if s.TelegramBotToken != "" && !modelcfg.ValidTelegramToken(s.TelegramBotToken) {
		return apperr.Validation("telegramBotToken does not match the expected format")
	}
	return nil
}

func (o *Orchestrator) decryptOne(wire string) (string, error) {
	if wire == "" {
		return "", nil
	}
	return o.secrets.Decrypt(wire)
}

func isFleetCounted(status store.Status) bool {
	switch status {
	case store.StatusHealthy, store.StatusStarting, store.StatusProvisioning, store.StatusConfiguring, store.StatusRestarting:
		return true
	default:
		return false
	}
}

func hasName(names []string, want string) bool {
	for _, n := range names {
		trimmed := n
		if len(trimmed) > 0 && trimmed[0] == '/' {
			trimmed = trimmed[1:]
		}
		if trimmed == want {
			return true
		}
	}
	return false
}

// StopAgent stops a healthy deployment's container gracefully and cancels
// its health checks. Any other status fails with INVALID_STATE_TRANSITION.
func (o *Orchestrator) StopAgent(ctx context.Context, deploymentID string) error {
	deployment, err := o.store.FindDeploymentByID(deploymentID)
	if err != nil {
		return fmt.Errorf("find deployment: %w", err)
	}
	if err := o.checkTransition(deploymentID, deployment.Status, store.StatusStopped); err != nil {
		return err
	}

	o.checker.Cancel(deploymentID)

	if deployment.ContainerID != "" {
		if err := o.rt.StopContainer(ctx, deployment.ContainerID, stopGraceSeconds); err != nil {
			return fmt.Errorf("stop container: %w", err)
		}
	}

	if _, err := o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.Status = store.StatusStopped
	}); err != nil {
		return fmt.Errorf("transition to stopped: %w", err)
	}
	o.bus.Publish(events.Event{Type: events.EventDeploymentTransition, DeploymentID: deploymentID, Message: "stopped", Timestamp: o.clk.Now()})
	return nil
}

// RestartAgent restarts a healthy deployment's existing container, or
// performs a full spawn if the deployment has no container yet.
func (o *Orchestrator) RestartAgent(ctx context.Context, deploymentID string) error {
	deployment, err := o.store.FindDeploymentByID(deploymentID)
	if err != nil {
		return fmt.Errorf("find deployment: %w", err)
	}

	if deployment.ContainerID == "" {
		return o.SpawnAgent(ctx, deploymentID)
	}

	if err := o.checkTransition(deploymentID, deployment.Status, store.StatusRestarting); err != nil {
		return err
	}

	if _, err := o.store.UpdateDeployment(deploymentID, store.StatusHealthy, func(d *store.Deployment) {
		d.Status = store.StatusRestarting
	}); err != nil {
		return fmt.Errorf("transition to restarting: %w", err)
	}

	if err := o.rt.RestartContainer(ctx, deployment.ContainerID, restartGraceSeconds); err != nil {
		if statemachine.IsEscapeHatchUse(store.StatusRestarting, store.StatusError) {
			o.log.Warn("deployment transition used escape hatch", "deploymentId", deploymentID, "from", store.StatusRestarting, "to", store.StatusError)
		}
		if _, updErr := o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
			d.Status = store.StatusError
			d.ErrorMessage = err.Error()
		}); updErr != nil {
			o.log.Error("mark deployment errored after restart failure", "deploymentId", deploymentID, "error", updErr)
		}
		return fmt.Errorf("restart container: %w", err)
	}

	o.armHealthCheck(ctx, deploymentID, deployment.InternalPort)
	o.bus.Publish(events.Event{Type: events.EventDeploymentTransition, DeploymentID: deploymentID, Message: "restarting", Timestamp: o.clk.Now()})
	return nil
}

// RemoveAgent stops health checks, force-removes the container, releases
// the port, and deletes the deployment's on-host data tree. The caller is
// responsible for deleting the deployment record itself.
func (o *Orchestrator) RemoveAgent(ctx context.Context, deploymentID string) error {
	deployment, err := o.store.FindDeploymentByID(deploymentID)
	if err != nil {
		return fmt.Errorf("find deployment: %w", err)
	}

	o.checker.Cancel(deploymentID)

	if deployment.ContainerID != "" {
		if err := o.rt.RemoveContainer(ctx, deployment.ContainerID); err != nil {
			o.log.Warn("remove container during removeAgent", "deploymentId", deploymentID, "error", err)
		}
	}
	if deployment.InternalPort != 0 {
		o.alloc.Release(deployment.InternalPort)
	}

	if _, err := o.store.UpdateDeployment(deploymentID, "", func(d *store.Deployment) {
		d.ContainerID = ""
		d.InternalPort = 0
	}); err != nil {
		return fmt.Errorf("clear container fields: %w", err)
	}

	dir := o.mat.DeploymentDir(deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove data tree %s: %w", dir, err)
	}

	o.bus.Publish(events.Event{Type: events.EventDeploymentTransition, DeploymentID: deploymentID, Message: "removed", Timestamp: o.clk.Now()})
	return nil
}
