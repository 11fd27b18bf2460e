package monitor

import (
	"context"
	"fmt"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/chain"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/provision"
)

// fakeClient implements chain.Client with overridable funcs.
type fakeClient struct {
	currentHeightFunc func(ctx context.Context) (uint64, error)
	getBlockFunc      func(ctx context.Context, height uint64, includeTransactions bool) (*chain.Block, error)
	ownerOfFunc       func(ctx context.Context, tokenID uint64) (string, error)
	totalSupplyFunc   func(ctx context.Context) (uint64, error)
	userEncryptedFunc func(ctx context.Context, subscriptionID uint64) (string, error)
	balanceFunc       func(ctx context.Context, address string) (int64, error)
}

func (f *fakeClient) CurrentHeight(ctx context.Context) (uint64, error) {
	if f.currentHeightFunc != nil {
		return f.currentHeightFunc(ctx)
	}
	return 0, nil
}

func (f *fakeClient) GetBlock(ctx context.Context, height uint64, includeTransactions bool) (*chain.Block, error) {
	if f.getBlockFunc != nil {
		return f.getBlockFunc(ctx, height, includeTransactions)
	}
	return &chain.Block{Height: height}, nil
}

func (f *fakeClient) OwnerOf(ctx context.Context, tokenID uint64) (string, error) {
	if f.ownerOfFunc != nil {
		return f.ownerOfFunc(ctx, tokenID)
	}
	return "", chain.ErrTokenNotFound
}

func (f *fakeClient) TotalSupply(ctx context.Context) (uint64, error) {
	if f.totalSupplyFunc != nil {
		return f.totalSupplyFunc(ctx)
	}
	return 0, nil
}

func (f *fakeClient) UserEncrypted(ctx context.Context, subscriptionID uint64) (string, error) {
	if f.userEncryptedFunc != nil {
		return f.userEncryptedFunc(ctx, subscriptionID)
	}
	return "", nil
}

func (f *fakeClient) Balance(ctx context.Context, address string) (int64, error) {
	if f.balanceFunc != nil {
		return f.balanceFunc(ctx, address)
	}
	return 0, nil
}

// fakePipeline records the calls the dispatcher and loop make.
type fakePipeline struct {
	enqueued    []provision.Job
	extended    []string
	resumed     []string
	destroyed   []string
	drained     int
	active      map[string]bool
	busy        bool
	nextTokenID uint64
	failExtend  bool
}

func (f *fakePipeline) Enqueue(job provision.Job) {
	f.enqueued = append(f.enqueued, job)
}

func (f *fakePipeline) ResumeOrDrain(ctx context.Context) {
	f.drained++
}

func (f *fakePipeline) HasActiveEntry(vmName string) bool {
	return f.active[vmName]
}

func (f *fakePipeline) Busy() bool {
	return f.busy
}

func (f *fakePipeline) NextTokenID() uint64 {
	return f.nextTokenID
}

func (f *fakePipeline) SetNextTokenID(n uint64) {
	f.nextTokenID = n
}

func (f *fakePipeline) ExtendExpiry(ctx context.Context, vmName string, days int) error {
	if f.failExtend {
		return fmt.Errorf("extend failed")
	}
	f.extended = append(f.extended, fmt.Sprintf("%s:%d", vmName, days))
	return nil
}

func (f *fakePipeline) Resume(ctx context.Context, vmName string) error {
	f.resumed = append(f.resumed, vmName)
	return nil
}

func (f *fakePipeline) Destroy(ctx context.Context, vmName string) error {
	f.destroyed = append(f.destroyed, vmName)
	return nil
}
