package igmp

import "testing"

func TestAttachFilterWithoutBPF(t *testing.T) {
	if err := attachFilter(nil); err != nil {
		t.Errorf("got attachFilter() = %v, want nil", err)
	}
}
