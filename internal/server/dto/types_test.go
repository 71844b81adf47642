package dto

import "testing"

func TestCreateTaskReqValidate(t *testing.T) {
	cases := []struct {
		name       string
		req        CreateTaskReq
		wantStatus int
	}{
		{"Valid", CreateTaskReq{TaskID: "t1", RepoURL: "https://x", Description: "do it"}, 0},
		{"EmptyTaskID", CreateTaskReq{TaskID: "", RepoURL: "https://x", Description: "do it"}, 422},
		{"BadTaskIDChars", CreateTaskReq{TaskID: "t 1", RepoURL: "https://x", Description: "do it"}, 422},
		{"EmptyRepoURL", CreateTaskReq{TaskID: "t1", RepoURL: "", Description: "do it"}, 422},
		{"EmptyDescription", CreateTaskReq{TaskID: "t1", RepoURL: "https://x", Description: ""}, 422},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.req.Validate()
			if c.wantStatus == 0 {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			apiErr, ok := err.(*APIError)
			if !ok {
				t.Fatalf("Validate() error type = %T, want *APIError", err)
			}
			if apiErr.StatusCode() != c.wantStatus {
				t.Errorf("StatusCode() = %d, want %d", apiErr.StatusCode(), c.wantStatus)
			}
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Run("FillsDocumentedDefaults", func(t *testing.T) {
		r := &CreateTaskReq{TaskID: "t1"}
		r.NormalizeDefaults()
		if r.BaseBranch != "main" {
			t.Errorf("BaseBranch = %q, want main", r.BaseBranch)
		}
		if r.MaxTurns != 40 {
			t.Errorf("MaxTurns = %d, want 40", r.MaxTurns)
		}
		if r.TimeoutSeconds != 3600 {
			t.Errorf("TimeoutSeconds = %d, want 3600", r.TimeoutSeconds)
		}
		if r.RiskTier != "medium" {
			t.Errorf("RiskTier = %q, want medium", r.RiskTier)
		}
		if r.Complexity != "standard" {
			t.Errorf("Complexity = %q, want standard", r.Complexity)
		}
	})

	t.Run("InvalidEnumsClampRatherThanReject", func(t *testing.T) {
		r := &CreateTaskReq{TaskID: "t1", RiskTier: "extreme", Complexity: "weird"}
		r.NormalizeDefaults()
		if r.RiskTier != "medium" {
			t.Errorf("RiskTier = %q, want medium", r.RiskTier)
		}
		if r.Complexity != "standard" {
			t.Errorf("Complexity = %q, want standard", r.Complexity)
		}
	})

	t.Run("PreservesValidExplicitValues", func(t *testing.T) {
		r := &CreateTaskReq{TaskID: "t1", RiskTier: "high", Complexity: "high", MaxTurns: 5, TimeoutSeconds: 60}
		r.NormalizeDefaults()
		if r.RiskTier != "high" || r.Complexity != "high" || r.MaxTurns != 5 || r.TimeoutSeconds != 60 {
			t.Errorf("NormalizeDefaults() overwrote explicit values: %+v", r)
		}
	})
}
