package upgrade

import (
	"strings"
	"testing"
)

func TestSchemaStatus_Err(t *testing.T) {
	cases := []struct {
		name   string
		status SchemaStatus
		want   string // substring of the error, empty for nil
	}{
		{"compatible", SchemaStatus{CurrentVersion: 1, RequiredVersion: 1, Compatible: true}, ""},
		{"outdated", SchemaStatus{CurrentVersion: 0, RequiredVersion: 1, NeedsMigration: true}, "migrate up"},
		{"dirty", SchemaStatus{CurrentVersion: 1, RequiredVersion: 1, Dirty: true}, "migrate force"},
		{"ahead", SchemaStatus{CurrentVersion: 2, RequiredVersion: 1}, "newer than this binary"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.status.Err()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}
