package terraform_test

import (
	"testing"

	"github.com/skyform-io/skyform/terraform"
)

const planOutput = `Terraform will perform the following actions:

  # aws_s3_bucket.data will be created
  + resource "aws_s3_bucket" "data" {
      + bucket = "skyform-data"
    }

  # aws_s3_bucket.data will be created
  + resource "aws_s3_bucket" "data" {
    }

  # aws_iam_role.deployer will be created
  + resource "aws_iam_role" "deployer" {
    }

Plan: 3 to add, 1 to change, 0 to destroy.
`

func TestParseChanges(t *testing.T) {
	got := terraform.ParseChanges(planOutput)
	want := terraform.Changes{Add: 3, Change: 1, Destroy: 0}
	if got != want {
		t.Errorf("changes = %+v, want %+v", got, want)
	}
}

func TestParseChanges_MissingCountsAreZero(t *testing.T) {
	got := terraform.ParseChanges("No changes. Your infrastructure matches the configuration.")
	if got != (terraform.Changes{}) {
		t.Errorf("expected zero changes, got %+v", got)
	}
}

func TestParsePlanResources_OrderedAndDeduplicated(t *testing.T) {
	got := terraform.ParsePlanResources(planOutput)
	if len(got) != 2 {
		t.Fatalf("expected 2 unique resources, got %d: %v", len(got), got)
	}
	if got[0].Type != "aws_s3_bucket" || got[0].Name != "data" {
		t.Errorf("first resource = %+v", got[0])
	}
	if got[1].Type != "aws_iam_role" || got[1].Name != "deployer" {
		t.Errorf("second resource = %+v", got[1])
	}
}

const applyOutput = `aws_s3_bucket.data: Creating...
aws_s3_bucket.data: Creation complete after 2s [id=skyform-data]
aws_s3_bucket.data created [id=skyform-data]
aws_iam_role.deployer created arn:aws:iam::123456789012:role/deployer

Apply complete! Resources: 3 added, 0 changed, 0 destroyed.
`

func TestParseApplyResources_ParsesCreatedLines(t *testing.T) {
	got := terraform.ParseApplyResources(applyOutput)
	if len(got) != 3 {
		t.Fatalf("expected 3 resources (2 parsed + 1 padded), got %d: %v", len(got), got)
	}
	if got[0].Type != "aws_s3_bucket" || got[0].Name != "data" || got[0].ID != "skyform-data" {
		t.Errorf("first resource = %+v", got[0])
	}
	if got[1].Type != "aws_iam_role" || got[1].ID != "arn:aws:iam::123456789012:role/deployer" {
		t.Errorf("second resource = %+v", got[1])
	}
	// Summary says 3 added; the third is a placeholder.
	if got[2].Type != "unknown" {
		t.Errorf("expected placeholder, got %+v", got[2])
	}
}

func TestParseApplyResources_NoPaddingWhenCountsMatch(t *testing.T) {
	out := `aws_s3_bucket.data created [id=b1]

Apply complete! Resources: 1 added, 0 changed, 0 destroyed.
`
	got := terraform.ParseApplyResources(out)
	if len(got) != 1 {
		t.Errorf("expected exactly 1 resource, got %v", got)
	}
}

func TestParseApplyResources_EmptyOutput(t *testing.T) {
	if got := terraform.ParseApplyResources(""); len(got) != 0 {
		t.Errorf("expected no resources, got %v", got)
	}
}
