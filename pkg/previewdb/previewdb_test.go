package previewdb

import "testing"

func TestValidateDBName(t *testing.T) {
	tests := []struct {
		name    string
		dbName  string
		wantErr bool
	}{
		{"valid preview db", "app_preview_1", false},
		{"valid preview db double digit", "app_preview_12", false},
		{"control plane db", "forgebay", true},
		{"postgres system db", "postgres", true},
		{"template db", "template1", true},
		{"wrong prefix", "app_prod_1", true},
		{"missing number", "app_preview_", true},
		{"sql injection attempt", "app_preview_1; DROP TABLE users;--", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDBName(tt.dbName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDBName(%q) error = %v, wantErr %v", tt.dbName, err, tt.wantErr)
			}
		})
	}
}
