package task

import "testing"

func TestErrorCodeToMessage(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "push task in queue"},
		{-1, "push task to queue fail"},
		{-2, "task process busy"},
		{-3, "task package decode error"},
		{-4, "task run error"},
		{-5, "task package expire"},
		{99, "unknown error"},
		{-6, "unknown error"},
		{1, "unknown error"},
	}

	for _, tt := range tests {
		if got := ErrorCodeToMessage(tt.code); got != tt.want {
			t.Errorf("ErrorCodeToMessage(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestCodeString(t *testing.T) {
	if CodePackageExpire.String() != "task package expire" {
		t.Errorf("String() = %q", CodePackageExpire.String())
	}
	if !CodePushInQueue.OK() || CodeProcessBusy.OK() {
		t.Error("OK() must be true only for CodePushInQueue")
	}
}
