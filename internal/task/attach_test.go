package task_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskdock/internal/task"
	"github.com/mattjoyce/taskdock/internal/task/mocks"
)

func newDispatcher(t *testing.T, workers int) *task.Dispatcher {
	t.Helper()
	d, err := task.New(task.Config{
		ServerName: "svc",
		WorkerNum:  workers,
		TempDir:    "/tmp/td",
		Timeout:    time.Second,
	}, nil, nil)
	require.NoError(t, err)
	return d
}

func TestAttachOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	host := mocks.NewMockProcessHost(ctrl)
	d := newDispatcher(t, 3)

	for _, w := range d.InitWorkers() {
		host.EXPECT().AddProcess(w).Return(nil)
	}

	ok, err := d.Attach(host)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d.Attached())

	for i := 0; i < 3; i++ {
		ok, err = d.Attach(host)
		assert.False(t, ok)
		assert.True(t, errors.Is(err, task.ErrAlreadyAttached))
	}
}

func TestAttachHostFailureLeavesDispatcherUnattached(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	host := mocks.NewMockProcessHost(ctrl)
	d := newDispatcher(t, 2)

	gomock.InOrder(
		host.EXPECT().AddProcess(gomock.Any()).Return(errors.New("fork failed")),
		host.EXPECT().AddProcess(gomock.Any()).Return(nil).Times(2),
	)

	ok, err := d.Attach(host)
	assert.False(t, ok)
	require.Error(t, err)
	assert.False(t, errors.Is(err, task.ErrAlreadyAttached))
	assert.False(t, d.Attached())

	ok, err = d.Attach(host)
	require.NoError(t, err)
	assert.True(t, ok)
}

// recordingHost accepts descriptors until it reaches failAt, once.
type recordingHost struct {
	failAt int
	failed bool
	descs  []task.WorkerDescriptor
}

func (h *recordingHost) AddProcess(desc task.WorkerDescriptor) error {
	if desc.Index == h.failAt && !h.failed {
		h.failed = true
		return errors.New("no slot")
	}
	h.descs = append(h.descs, desc)
	return nil
}

func (h *recordingHost) RemoveProcess(index int) error {
	for i, d := range h.descs {
		if d.Index == index {
			h.descs = append(h.descs[:i], h.descs[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown worker")
}

func TestAttachPartialFailureRollsBack(t *testing.T) {
	host := &recordingHost{failAt: 2}
	d := newDispatcher(t, 4)

	ok, err := d.Attach(host)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, host.descs)
	assert.False(t, d.Attached())

	ok, err = d.Attach(host)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, d.InitWorkers(), host.descs)
}
