// Package iaas is the abstract VM-provider client the Provisioning
// Coordinator and Lifecycle Reconciler drive: create/get/destroy a VM,
// power it on or off, over a rate-limit-aware HTTP API with bounded
// deadlines.
package iaas

import "context"

// VMSpec is what create_vm needs: a name, sizing, the target image, and
// the guest user-data script assembled by internal/provisioning.
type VMSpec struct {
	Name     string
	Region   string
	Size     string
	Image    string
	UserData string
}

// VM is the provider's view of a VM's current state.
type VM struct {
	ID        string
	Name      string
	Status    string // "new", "active", "off", "destroyed", "error"
	IPAddress string
}

// Client is the capability set the core depends on. Production code
// gets an *HTTPClient; tests get a *MockClient — both satisfy this
// interface, so nothing in internal/provisioning or internal/reconcile
// needs to know which one it was wired with.
type Client interface {
	CreateVM(ctx context.Context, spec VMSpec) (VM, error)
	GetVM(ctx context.Context, id string) (VM, error)
	DestroyVM(ctx context.Context, id string) error
	PowerOff(ctx context.Context, id string) error
	PowerOn(ctx context.Context, id string) error
}
