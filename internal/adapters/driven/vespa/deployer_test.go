package vespa

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
)

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		endpoint  string
		want      string
		wantError bool
	}{
		{
			name:      "valid http endpoint",
			endpoint:  "http://localhost:19071",
			want:      "http://localhost:19071",
			wantError: false,
		},
		{
			name:      "valid https endpoint",
			endpoint:  "https://vespa.example.com:19071",
			want:      "https://vespa.example.com:19071",
			wantError: false,
		},
		{
			name:      "strips trailing slash",
			endpoint:  "http://localhost:19071/",
			want:      "http://localhost:19071",
			wantError: false,
		},
		{
			name:      "rejects empty string",
			endpoint:  "",
			wantError: true,
		},
		{
			name:      "rejects file scheme",
			endpoint:  "file:///etc/passwd",
			wantError: true,
		},
		{
			name:      "rejects ftp scheme",
			endpoint:  "ftp://example.com",
			wantError: true,
		},
		{
			name:      "rejects no scheme",
			endpoint:  "localhost:19071",
			wantError: true,
		},
		{
			name:      "rejects javascript scheme",
			endpoint:  "javascript:alert(1)",
			wantError: true,
		},
		{
			name:      "rejects data scheme",
			endpoint:  "data:text/html,<script>alert(1)</script>",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateEndpoint(tt.endpoint)
			if tt.wantError {
				if err == nil {
					t.Errorf("validateEndpoint(%q) expected error, got nil", tt.endpoint)
				}
				return
			}
			if err != nil {
				t.Errorf("validateEndpoint(%q) unexpected error: %v", tt.endpoint, err)
				return
			}
			if got != tt.want {
				t.Errorf("validateEndpoint(%q) = %q, want %q", tt.endpoint, got, tt.want)
			}
		})
	}
}

// configServer fakes the config server content and deploy APIs
type configServer struct {
	mu        sync.Mutex
	files     map[string]string
	deployed  map[string]string
	deploys   int
	deployErr int
}

func newConfigServer(t *testing.T, files map[string]string) (*configServer, *httptest.Server) {
	cs := &configServer{files: files}
	srv := httptest.NewServer(http.HandlerFunc(cs.serve))
	t.Cleanup(srv.Close)
	return cs, srv
}

func (cs *configServer) serve(w http.ResponseWriter, r *http.Request) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if r.Method == http.MethodPost && r.URL.Path == "/application/v2/tenant/default/prepareandactivate" {
		if cs.deployErr != 0 {
			w.WriteHeader(cs.deployErr)
			return
		}
		body, _ := io.ReadAll(r.Body)
		zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cs.deployed = make(map[string]string)
		for _, f := range zr.File {
			rc, _ := f.Open()
			content, _ := io.ReadAll(rc)
			rc.Close()
			cs.deployed[f.Name] = string(content)
		}
		cs.deploys++
		w.WriteHeader(http.StatusOK)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, contentPath+"/")
	content, ok := cs.files[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = io.WriteString(w, content)
}

func TestEnsureSchema_FreshDeploy(t *testing.T) {
	cs, srv := newConfigServer(t, map[string]string{})

	d, err := NewDeployer(srv.URL, "")
	if err != nil {
		t.Fatalf("NewDeployer: %v", err)
	}

	deployed, err := d.EnsureSchema(context.Background(), 4)
	if err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if !deployed {
		t.Error("expected a deployment")
	}
	if cs.deploys != 1 {
		t.Fatalf("expected 1 deploy, got %d", cs.deploys)
	}

	schema := cs.deployed["schemas/text_vector.sd"]
	if !strings.Contains(schema, "tensor<float>(x[4])") {
		t.Errorf("schema does not declare a 4-dim vector:\n%s", schema)
	}
	if !strings.Contains(schema, "hnsw") {
		t.Error("schema has no HNSW index")
	}
	if !strings.Contains(cs.deployed["services.xml"], `<document type="text_vector" mode="index"/>`) {
		t.Errorf("services.xml missing document type:\n%s", cs.deployed["services.xml"])
	}
}

func TestEnsureSchema_AlreadyDeployed(t *testing.T) {
	cs, srv := newConfigServer(t, map[string]string{
		"schemas/text_vector.sd": "field vector type tensor<float>(x[4]) {}",
	})

	d, _ := NewDeployer(srv.URL, "text_vector")

	deployed, err := d.EnsureSchema(context.Background(), 4)
	if err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if deployed {
		t.Error("expected no deployment")
	}
	if cs.deploys != 0 {
		t.Errorf("expected 0 deploys, got %d", cs.deploys)
	}
}

func TestEnsureSchema_DimensionMismatch(t *testing.T) {
	_, srv := newConfigServer(t, map[string]string{
		"schemas/text_vector.sd": "field vector type tensor<float>(x[384]) {}",
	})

	d, _ := NewDeployer(srv.URL, "text_vector")

	_, err := d.EnsureSchema(context.Background(), 768)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEnsureSchema_MergesExistingApplication(t *testing.T) {
	cs, srv := newConfigServer(t, map[string]string{
		"services.xml": `<services><content id="main"><documents>
            <document type="music" mode="index"/>
        </documents></content></services>`,
		"hosts.xml":        "<hosts/>",
		"schemas/":         `["http://cfg/content/schemas/music.sd"]`,
		"schemas/music.sd": "schema music {}",
	})

	d, _ := NewDeployer(srv.URL, "text_vector")

	deployed, err := d.EnsureSchema(context.Background(), 8)
	if err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if !deployed {
		t.Fatal("expected a deployment")
	}

	services := cs.deployed["services.xml"]
	if !strings.Contains(services, `type="music"`) || !strings.Contains(services, `type="text_vector"`) {
		t.Errorf("merged services.xml lost a document type:\n%s", services)
	}
	if cs.deployed["schemas/music.sd"] != "schema music {}" {
		t.Error("existing schema not carried over")
	}
	if cs.deployed["hosts.xml"] != "<hosts/>" {
		t.Error("hosts.xml not carried over")
	}
	if !strings.Contains(cs.deployed["schemas/text_vector.sd"], "tensor<float>(x[8])") {
		t.Error("our schema missing from merged package")
	}
}

func TestEnsureSchema_DeployFailure(t *testing.T) {
	cs, srv := newConfigServer(t, map[string]string{})
	cs.deployErr = http.StatusServiceUnavailable

	d, _ := NewDeployer(srv.URL, "text_vector")

	_, err := d.EnsureSchema(context.Background(), 4)
	if !domain.IsTransient(err) {
		t.Errorf("expected a transient error, got %v", err)
	}
}

func TestEnsureSchema_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	d, _ := NewDeployer(endpoint, "text_vector")

	_, err := d.EnsureSchema(context.Background(), 4)
	if !domain.IsTransient(err) {
		t.Errorf("expected a transient error, got %v", err)
	}
}

func TestEnsureSchema_InvalidDims(t *testing.T) {
	d, _ := NewDeployer("http://localhost:19071", "text_vector")

	_, err := d.EnsureSchema(context.Background(), 0)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
