package cluster

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type membershipFile struct {
	Members []memberEntry `yaml:"members"`
}

type memberEntry struct {
	ID           string   `yaml:"id"`
	URL          string   `yaml:"url"`
	Capabilities []string `yaml:"capabilities"`
}

// RemoteOptions configures the members loaded from a membership file.
type RemoteOptions struct {
	Client *http.Client
	Codes  []ErrorCode
}

// LoadMembershipFile reads remote members from a YAML document of the form
//
//	members:
//	  - id: worker-1
//	    url: http://worker-1:8081
//	    capabilities: [gradle, maven]
func LoadMembershipFile(path string, opts RemoteOptions) ([]Member, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read membership file: %w", err)
	}
	return ParseMembership(data, opts)
}

// ParseMembership decodes a membership document. See LoadMembershipFile.
func ParseMembership(data []byte, opts RemoteOptions) ([]Member, error) {
	var file membershipFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode membership: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Members))
	members := make([]Member, 0, len(file.Members))
	for idx, entry := range file.Members {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("membership entry %d: id is required", idx)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("membership entry %d: duplicate id %q", idx, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(entry.URL) == "" {
			return nil, fmt.Errorf("membership entry %q: url is required", id)
		}
		if len(entry.Capabilities) == 0 {
			return nil, fmt.Errorf("membership entry %q: at least one capability is required", id)
		}
		members = append(members, NewRemoteMember(id, entry.URL, entry.Capabilities, opts))
	}

	if len(members) == 0 {
		return nil, errors.New("membership declares no members")
	}
	return members, nil
}
