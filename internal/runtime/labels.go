package runtime

// Label keys applied to every container this service creates, so a
// ListContainers(all=true) sweep (used by the reaper to reconcile runtime
// state against the store) can identify which containers it owns.
const (
	LabelDeploymentID = "proxyclaw.deployment_id"
	LabelSubdomain    = "proxyclaw.subdomain"
	LabelManagedBy    = "proxyclaw.managed_by"
)

// ManagedByValue is written into LabelManagedBy on every container this
// service creates.
const ManagedByValue = "proxyclaw"

// IsManaged reports whether a container's labels mark it as owned by this service.
func IsManaged(labels map[string]string) bool {
	return labels[LabelManagedBy] == ManagedByValue
}
