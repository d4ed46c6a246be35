package directory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/whisper/friendchat/internal/profile"
)

// seedFile is the YAML layout read by LoadSeed:
//
//	users:
//	  - id: u1
//	    name: Uma
//	    phone: "+1 555 0100"
//	    avatar: https://cdn.example/u1.png
type seedFile struct {
	Users []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Avatar string `yaml:"avatar"`
		Phone  string `yaml:"phone"`
	} `yaml:"users"`
}

// LoadSeed reads the user records listed in the YAML file at path.
func LoadSeed(path string) ([]profile.UserRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read seed %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("directory: parse seed %s: %w", path, err)
	}

	recs := make([]profile.UserRecord, 0, len(f.Users))
	seen := make(map[string]struct{}, len(f.Users))
	for i, u := range f.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return nil, fmt.Errorf("directory: seed %s: user %d has no id", path, i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("directory: seed %s: duplicate user %q", path, id)
		}
		seen[id] = struct{}{}

		rec := profile.UserRecord{ID: id, Name: u.Name, Phone: u.Phone}
		if u.Avatar != "" {
			avatar := u.Avatar
			rec.Avatar = &avatar
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
