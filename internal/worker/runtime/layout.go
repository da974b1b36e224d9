package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Tenant directory layout under the worker's tenant root:
//
//	<root>/<tenant_id>/
//	  docker-compose.yml
//	  desired.json
//	  env/runtime.env
//	  config/env.json
//	  config/prompts/<name>.md
//	  config/skills/<skill_id>.md
//
// The compose file is a rendered artifact for operators; the worker drives
// the engine through the SDK.

var tenantIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// ContainerName returns the tenant's runtime container name.
func ContainerName(tenantID string) string {
	return "tenant_" + tenantID + "_runtime"
}

// SessionVolume returns the tenant's bridge session volume name.
func SessionVolume(tenantID string) string {
	return "tenant_" + tenantID + "_session"
}

// StateVolume returns the tenant's runtime state volume name.
func StateVolume(tenantID string) string {
	return "tenant_" + tenantID + "_state"
}

// Layout resolves tenant paths under the worker root.
type Layout struct {
	Root string
}

func (l Layout) TenantDir(tenantID string) string {
	return filepath.Join(l.Root, tenantID)
}

func (l Layout) ComposePath(tenantID string) string {
	return filepath.Join(l.TenantDir(tenantID), "docker-compose.yml")
}

func (l Layout) DesiredPath(tenantID string) string {
	return filepath.Join(l.TenantDir(tenantID), "desired.json")
}

func (l Layout) EnvFilePath(tenantID string) string {
	return filepath.Join(l.TenantDir(tenantID), "env", "runtime.env")
}

func (l Layout) ConfigDir(tenantID string) string {
	return filepath.Join(l.TenantDir(tenantID), "config")
}

func (l Layout) EnvJSONPath(tenantID string) string {
	return filepath.Join(l.ConfigDir(tenantID), "env.json")
}

func (l Layout) PromptsDir(tenantID string) string {
	return filepath.Join(l.ConfigDir(tenantID), "prompts")
}

func (l Layout) SkillsDir(tenantID string) string {
	return filepath.Join(l.ConfigDir(tenantID), "skills")
}

// Exists reports whether the tenant directory is present.
func (l Layout) Exists(tenantID string) bool {
	info, err := os.Stat(l.TenantDir(tenantID))
	return err == nil && info.IsDir()
}

// ListTenants returns the tenant ids that have a directory under the root.
// Entries that do not look like tenant ids are ignored.
func (l Layout) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tenant root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && tenantIDPattern.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DesiredState is the worker-local record of what a tenant's runtime should
// look like. It survives worker restarts and drives reconciliation.
type DesiredState struct {
	TenantID  string    `json:"tenant_id"`
	State     string    `json:"state"` // running, paused, pending_pairing, deleted
	Image     string    `json:"image"`
	Revision  int64     `json:"revision"`
	Baseline  int64     `json:"baseline,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadDesired loads the tenant's desired state, or nil if none is recorded.
func (l Layout) ReadDesired(tenantID string) (*DesiredState, error) {
	data, err := os.ReadFile(l.DesiredPath(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read desired state: %w", err)
	}
	var d DesiredState
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("malformed desired state for %s: %w", tenantID, err)
	}
	return &d, nil
}

// WriteDesired persists the desired state atomically.
func (l Layout) WriteDesired(d *DesiredState) error {
	d.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(l.DesiredPath(d.TenantID), data, 0o600)
}

// WriteEnvFile renders the env map as a sorted KEY=VALUE file.
func (l Layout) WriteEnvFile(tenantID string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(l.EnvFilePath(tenantID)), 0o700); err != nil {
		return err
	}
	return writeFileAtomic(l.EnvFilePath(tenantID), []byte(b.String()), 0o600)
}

// ReadEnvFile parses the rendered env file back into a map.
func (l Layout) ReadEnvFile(tenantID string) (map[string]string, error) {
	data, err := os.ReadFile(l.EnvFilePath(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	return env, nil
}

// WriteConfig materializes env.json plus the prompt and skill files,
// removing artifacts that are no longer in the active set.
func (l Layout) WriteConfig(tenantID string, env map[string]string, prompts, skills map[string]string) error {
	if err := os.MkdirAll(l.PromptsDir(tenantID), 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(l.SkillsDir(tenantID), 0o700); err != nil {
		return err
	}

	envData, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(l.EnvJSONPath(tenantID), envData, 0o600); err != nil {
		return err
	}

	if err := syncArtifactDir(l.PromptsDir(tenantID), prompts); err != nil {
		return err
	}
	return syncArtifactDir(l.SkillsDir(tenantID), skills)
}

// syncArtifactDir writes each artifact as <name>.md and removes stale files.
func syncArtifactDir(dir string, artifacts map[string]string) error {
	want := make(map[string]struct{}, len(artifacts))
	for name, content := range artifacts {
		file := name + ".md"
		want[file] = struct{}{}
		if err := writeFileAtomic(filepath.Join(dir, file), []byte(content), 0o600); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := want[e.Name()]; !ok {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove deletes the tenant directory tree.
func (l Layout) Remove(tenantID string) error {
	return os.RemoveAll(l.TenantDir(tenantID))
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
