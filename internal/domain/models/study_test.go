package models

import "testing"

func ledgerStudy(current int, versionIDs ...string) *Study {
	versions := make([]DataVersion, len(versionIDs))
	for i, id := range versionIDs {
		versions[i] = DataVersion{ID: id, ContentID: "content-" + id}
	}
	return &Study{ID: "study-1", CurrentDataVersion: current, DataVersions: versions}
}

func TestVisibleVersions_IsAPrefixOfTheLedger(t *testing.T) {
	tests := []struct {
		name    string
		current int
		ledger  []string
		want    []string
	}{
		{"never frozen", NoCurrentVersion, nil, nil},
		{"pointer at head", 2, []string{"v1", "v2", "v3"}, []string{"v1", "v2", "v3"}},
		{"pointer rewound", 0, []string{"v1", "v2", "v3"}, []string{"v1"}},
		{"pointer rewound fully", NoCurrentVersion, []string{"v1", "v2"}, nil},
		{"pointer out of range", 5, []string{"v1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			study := ledgerStudy(tt.current, tt.ledger...)
			got := study.VisibleVersionIDs()
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestVersionIndex_LooksUpByIDNotContentID(t *testing.T) {
	study := ledgerStudy(1, "v1", "v2")

	if got := study.VersionIndex("v2"); got != 1 {
		t.Errorf("VersionIndex(v2) = %d, want 1", got)
	}
	if got := study.VersionIndex("content-v2"); got != -1 {
		t.Errorf("lookup by content id must fail, got %d", got)
	}
	if got := study.VersionIndex("v404"); got != -1 {
		t.Errorf("unknown id should return -1, got %d", got)
	}
}
