// Package configstore defines the Store contract the Scenario Runner and
// Scheduler Loop read tests, steps, and fields from (§6), plus a YAML
// fixture-backed implementation used by the bundled demonstration
// harness and by tests. The real SQL-backed store is out of scope.
package configstore

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/webpoller/engine/pkg/models"
)

// Store is the read surface the engine needs from configuration (§6's
// SQL contract, narrowed to what this engine actually consumes).
type Store interface {
	// Tests returns every enabled test, steps and fields populated and
	// ordered (step.No ascending, field.ID ascending).
	Tests() ([]models.HttpTest, error)
}

// YAMLFixture is the on-disk shape consumed by the fixture-backed Store.
// It mirrors the field-name vocabulary of SPEC_FULL §3 directly rather
// than a load-test YAML dialect, since a fixture here stands in for rows
// a real store would hand back already typed.
type YAMLFixture struct {
	Tests []yamlTest `yaml:"tests"`
}

type yamlTest struct {
	ID          int64        `yaml:"id"`
	Name        string       `yaml:"name"`
	Agent       string       `yaml:"agent,omitempty"`
	Auth        string       `yaml:"auth,omitempty"`
	HTTPUser    string       `yaml:"http_user,omitempty"`
	HTTPPasswd  string       `yaml:"http_password,omitempty"`
	HTTPProxy   string       `yaml:"http_proxy,omitempty"`
	Retries     int          `yaml:"retries,omitempty"`
	Delay       string       `yaml:"delay"`
	HostID      int64        `yaml:"host_id"`
	Host        string       `yaml:"host,omitempty"`
	HostDisplay string       `yaml:"host_display,omitempty"`
	H2C         bool         `yaml:"h2c,omitempty"`
	TLS         yamlTLS      `yaml:"tls,omitempty"`
	Fields      []yamlField  `yaml:"fields,omitempty"`
	Steps       []yamlStep   `yaml:"steps"`
}

type yamlTLS struct {
	CertFile    string `yaml:"cert_file,omitempty"`
	KeyFile     string `yaml:"key_file,omitempty"`
	KeyPassword string `yaml:"key_password,omitempty"`
	VerifyPeer  bool   `yaml:"verify_peer,omitempty"`
	VerifyHost  bool   `yaml:"verify_host,omitempty"`
}

type yamlStep struct {
	ID              int64       `yaml:"id"`
	No              int         `yaml:"no"`
	Name            string      `yaml:"name"`
	URL             string      `yaml:"url"`
	Timeout         string      `yaml:"timeout"`
	PostFields      string      `yaml:"post_fields,omitempty"`
	Required        string      `yaml:"required,omitempty"`
	StatusCodes     string      `yaml:"status_codes,omitempty"`
	PostType        string      `yaml:"post_type,omitempty"`
	FollowRedirects string      `yaml:"follow_redirects,omitempty"`
	RetrieveMode    string      `yaml:"retrieve_mode,omitempty"`
	Fields          []yamlField `yaml:"fields,omitempty"`
}

type yamlField struct {
	ID    int64  `yaml:"id"`
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
	Type  string `yaml:"type"`
}

// Memory is an in-memory Store, either loaded from a YAML fixture via
// LoadYAML or populated directly (e.g. by tests).
type Memory struct {
	tests []models.HttpTest
}

// NewMemory wraps tests in a ready-to-use Store.
func NewMemory(tests []models.HttpTest) *Memory {
	return &Memory{tests: tests}
}

// Tests returns the configured tests, unmodified.
func (m *Memory) Tests() ([]models.HttpTest, error) {
	return m.tests, nil
}

// LoadYAML reads a fixture file at path and converts it into a Store,
// sorting steps by No and fields by ID the way a real SQL store's ORDER
// BY clause would.
func LoadYAML(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture %s: %w", path, err)
	}

	var fixture YAMLFixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parsing fixture %s: %w", path, err)
	}

	tests := make([]models.HttpTest, 0, len(fixture.Tests))
	for _, t := range fixture.Tests {
		test := models.HttpTest{
			ID:          t.ID,
			Name:        t.Name,
			Agent:       t.Agent,
			Auth:        models.AuthMode(orDefault(t.Auth, string(models.AuthNone))),
			HTTPUser:    t.HTTPUser,
			HTTPPasswd:  t.HTTPPasswd,
			HTTPProxy:   t.HTTPProxy,
			Retries:     t.Retries,
			Delay:       t.Delay,
			HostID:      t.HostID,
			Host:        t.Host,
			HostDisplay: t.HostDisplay,
			H2C:         t.H2C,
			TLS: models.TLSOptions{
				CertFile:    t.TLS.CertFile,
				KeyFile:     t.TLS.KeyFile,
				KeyPassword: t.TLS.KeyPassword,
				VerifyPeer:  t.TLS.VerifyPeer,
				VerifyHost:  t.TLS.VerifyHost,
			},
			Fields: convertFields(t.Fields),
		}

		for _, s := range t.Steps {
			test.Steps = append(test.Steps, models.HttpStep{
				ID:              s.ID,
				No:              s.No,
				Name:            s.Name,
				URL:             s.URL,
				Timeout:         s.Timeout,
				PostFields:      s.PostFields,
				Required:        s.Required,
				StatusCodes:     s.StatusCodes,
				PostType:        models.PostType(orDefault(s.PostType, string(models.PostRaw))),
				FollowRedirects: models.FollowRedirects(orDefault(s.FollowRedirects, string(models.RedirectsOn))),
				RetrieveMode:    models.RetrieveMode(orDefault(s.RetrieveMode, string(models.RetrieveContent))),
				Fields:          convertFields(s.Fields),
			})
		}

		sort.Slice(test.Steps, func(i, j int) bool { return test.Steps[i].No < test.Steps[j].No })
		tests = append(tests, test)
	}

	return &Memory{tests: tests}, nil
}

func convertFields(in []yamlField) []models.Field {
	out := make([]models.Field, 0, len(in))
	for _, f := range in {
		out = append(out, models.Field{
			ID:    f.ID,
			Name:  f.Name,
			Value: f.Value,
			Type:  models.FieldType(f.Type),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
