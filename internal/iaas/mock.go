package iaas

import "context"

// MockClient is a test double for Client: each operation delegates to
// an optional func field, falling back to a harmless default when unset,
// the same pluggable-func shape the teacher's runner.MockRuntime uses.
type MockClient struct {
	CreateVMFunc  func(ctx context.Context, spec VMSpec) (VM, error)
	GetVMFunc     func(ctx context.Context, id string) (VM, error)
	DestroyVMFunc func(ctx context.Context, id string) error
	PowerOffFunc  func(ctx context.Context, id string) error
	PowerOnFunc   func(ctx context.Context, id string) error
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) CreateVM(ctx context.Context, spec VMSpec) (VM, error) {
	if m.CreateVMFunc != nil {
		return m.CreateVMFunc(ctx, spec)
	}
	return VM{ID: "mock-vm", Name: spec.Name, Status: "active"}, nil
}

func (m *MockClient) GetVM(ctx context.Context, id string) (VM, error) {
	if m.GetVMFunc != nil {
		return m.GetVMFunc(ctx, id)
	}
	return VM{ID: id, Status: "active"}, nil
}

func (m *MockClient) DestroyVM(ctx context.Context, id string) error {
	if m.DestroyVMFunc != nil {
		return m.DestroyVMFunc(ctx, id)
	}
	return nil
}

func (m *MockClient) PowerOff(ctx context.Context, id string) error {
	if m.PowerOffFunc != nil {
		return m.PowerOffFunc(ctx, id)
	}
	return nil
}

func (m *MockClient) PowerOn(ctx context.Context, id string) error {
	if m.PowerOnFunc != nil {
		return m.PowerOnFunc(ctx, id)
	}
	return nil
}
