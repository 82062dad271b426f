package ids

import (
	"reflect"
	"strings"
	"testing"
)

func TestJoinSplitRoundTrip(t *testing.T) {
	cases := [][]string{
		{"empire"},
		{"empire", "deathstar"},
		{"empire", "deathstar", "master"},
		{"empire", "deathstar", "master", "elem1"},
	}
	for _, segments := range cases {
		joined := Join(segments...)
		if !reflect.DeepEqual(Split(joined), segments) {
			t.Fatalf("Split(Join(%v)) = %v", segments, Split(joined))
		}
	}
}

func TestValidSegment(t *testing.T) {
	valid := []string{"empire", "death-star", "elem_1", "a", "0day"}
	for _, value := range valid {
		if !ValidSegment(value) {
			t.Errorf("ValidSegment(%q) = false", value)
		}
	}
	invalid := []string{"", "Empire", "a:b", "-lead", "_lead", "has space", strings.Repeat("a", MaxSegmentLength+1)}
	for _, value := range invalid {
		if ValidSegment(value) {
			t.Errorf("ValidSegment(%q) = true", value)
		}
	}
}

func TestPrefixDecomposition(t *testing.T) {
	uid := "empire:deathstar:master:elem1"
	if got := OrgID(uid); got != "empire" {
		t.Fatalf("OrgID = %q", got)
	}
	if got := ProjectID(uid); got != "empire:deathstar" {
		t.Fatalf("ProjectID = %q", got)
	}
	if got := BranchID(uid); got != "empire:deathstar:master" {
		t.Fatalf("BranchID = %q", got)
	}
	if got := Local(uid); got != "elem1" {
		t.Fatalf("Local = %q", got)
	}
	if got := BranchID("empire:deathstar"); got != "" {
		t.Fatalf("BranchID of a project id = %q, want empty", got)
	}
	if got := Local("empire"); got != "empire" {
		t.Fatalf("Local of a bare id = %q", got)
	}
}

func TestQualified(t *testing.T) {
	if Qualified("elem1") {
		t.Fatal("bare segment reported as qualified")
	}
	if !Qualified("empire:deathstar") {
		t.Fatal("composite id reported as unqualified")
	}
}

func TestRebase(t *testing.T) {
	from := "empire:deathstar:master"
	to := "empire:deathstar:feature"

	if got := Rebase("empire:deathstar:master:elem1", from, to); got != "empire:deathstar:feature:elem1" {
		t.Fatalf("Rebase = %q", got)
	}
	// References outside the source branch survive unchanged.
	foreign := "rebels:xwing:master:engine"
	if got := Rebase(foreign, from, to); got != foreign {
		t.Fatalf("Rebase(foreign) = %q", got)
	}
	if got := Rebase("", from, to); got != "" {
		t.Fatalf("Rebase(empty) = %q", got)
	}
}

func TestUUIDHelpers(t *testing.T) {
	value := NewUUID()
	if !ValidUUID(value) {
		t.Fatalf("NewUUID produced invalid uuid %q", value)
	}
	if ValidUUID("not-a-uuid") {
		t.Fatal("ValidUUID accepted garbage")
	}
}
