package bpfloader

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/mrzor/durability-tracer/internal/bpf"

	"github.com/cilium/ebpf/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarget_WithDefaults(t *testing.T) {
	got := Target{Binary: "/usr/lib/liburing.so.2"}.withDefaults()
	assert.Equal(t, DefaultSubmitSymbol, got.SubmitSymbol)
	assert.Equal(t, DefaultNotifySymbol, got.NotifySymbol)

	custom := Target{SubmitSymbol: "io_uring_get_sqe", NotifySymbol: "io_uring_peek_cqe"}.withDefaults()
	assert.Equal(t, "io_uring_get_sqe", custom.SubmitSymbol)
	assert.Equal(t, "io_uring_peek_cqe", custom.NotifySymbol)
}

func TestNew_MissingObject(t *testing.T) {
	_, err := New("/nonexistent/durability.bpf.o", bpf.LoadOptions{})
	assert.Error(t, err)
}

func TestAttachTable_JournalCommitReportedOnReturn(t *testing.T) {
	var enter, exit *kernelProbe
	for i := range kernelProbes {
		kp := &kernelProbes[i]
		if kp.symbol != journalCommitSymbol {
			continue
		}
		if kp.ret {
			exit = kp
		} else {
			enter = kp
		}
	}

	require.NotNil(t, enter)
	require.NotNil(t, exit)
	assert.Equal(t, "journal_commit_enter", enter.program)
	assert.Equal(t, "journal_commit_exit", exit.program)
}

func TestAttachTable_ProgramsExist(t *testing.T) {
	tags := make(map[string]bool)
	typ := reflect.TypeOf(bpf.Programs{})
	for i := 0; i < typ.NumField(); i++ {
		tags[typ.Field(i).Tag.Get("ebpf")] = true
	}

	l := &Loader{objs: &bpf.Objects{}}
	for _, kp := range kernelProbes {
		assert.True(t, tags[kp.program], "%s has no program %q", kp.name, kp.program)
		_, err := l.program(kp.program)
		assert.NoError(t, err, kp.name)
	}
}

func TestSymbolHint(t *testing.T) {
	err := symbolHint("/usr/lib/liburing.so.2", DefaultSubmitSymbol,
		fmt.Errorf("symbol %s: %w", DefaultSubmitSymbol, link.ErrNoSymbol))
	require.ErrorIs(t, err, link.ErrNoSymbol)
	assert.Contains(t, err.Error(), "liburing-ffi")

	other := errors.New("permission denied")
	assert.Equal(t, other, symbolHint("/bin/x", DefaultSubmitSymbol, other))
}
