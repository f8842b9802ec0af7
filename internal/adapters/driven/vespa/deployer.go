package vespa

import (
	"archive/zip"
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
)

//go:embed schemas/services.xml schemas/text_vector.sd.tmpl
var schemaFS embed.FS

// Verify interface compliance
var _ driven.SchemaDeployer = (*Deployer)(nil)

const contentPath = "/application/v2/tenant/default/application/default/environment/default/region/default/instance/default/content"

// Deployer implements driven.SchemaDeployer against the Vespa config server
type Deployer struct {
	endpoint   string
	docType    string
	httpClient *http.Client
}

// NewDeployer creates a deployer for the config server at endpoint (e.g., http://localhost:19071)
func NewDeployer(endpoint, docType string) (*Deployer, error) {
	endpoint, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if docType == "" {
		docType = "text_vector"
	}
	return &Deployer{
		endpoint: endpoint,
		docType:  docType,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

// validateEndpoint accepts only absolute http(s) URLs and strips a trailing slash
func validateEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", domain.Invalid("vespa endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", domain.Invalid("vespa endpoint %q: %v", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", domain.Invalid("vespa endpoint %q must use http or https", endpoint)
	}
	if u.Host == "" {
		return "", domain.Invalid("vespa endpoint %q has no host", endpoint)
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// appPackage is the subset of a deployed application we carry over on redeploy
type appPackage struct {
	ServicesXML string
	HostsXML    string
	Schemas     map[string]string
}

// EnsureSchema deploys the text/vector schema unless the deployed one already
// declares a vector field of dims dimensions. A deployed schema with another
// dimensionality is a configuration error: Vespa refuses to change the tensor
// type of a populated field.
func (d *Deployer) EnsureSchema(ctx context.Context, dims int) (bool, error) {
	if dims <= 0 {
		return false, domain.Invalid("embedding dimensions must be positive, got %d", dims)
	}

	schemaFile := d.docType + ".sd"
	deployed, found, err := d.fetchContent(ctx, d.endpoint+contentPath+"/schemas/"+schemaFile)
	if err != nil {
		return false, err
	}
	if found {
		if strings.Contains(deployed, vectorFieldType(dims)) {
			return false, nil
		}
		return false, domain.Invalid("deployed schema %s does not declare %s", schemaFile, vectorFieldType(dims))
	}

	schemaContent, err := d.generateSchema(dims)
	if err != nil {
		return false, fmt.Errorf("failed to generate schema: %w", err)
	}

	existing, err := d.fetchAppPackage(ctx)
	if err != nil {
		return false, err
	}

	var zipData []byte
	if existing != nil {
		zipData, err = d.createMergedAppPackage(existing, schemaContent)
	} else {
		var services []byte
		services, err = d.renderServices()
		if err == nil {
			zipData, err = d.createAppPackage(services, schemaContent)
		}
	}
	if err != nil {
		return false, fmt.Errorf("failed to create app package: %w", err)
	}

	if err := d.deploy(ctx, zipData); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Deployer) deploy(ctx context.Context, zipData []byte) error {
	deployURL := d.endpoint + "/application/v2/tenant/default/prepareandactivate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deployURL, bytes.NewReader(zipData))
	if err != nil {
		return fmt.Errorf("failed to create deploy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/zip")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return domain.Unavailable("vespa", fmt.Errorf("deployment request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError("deploy", resp)
	}
	return nil
}

// fetchAppPackage retrieves the currently deployed application. It returns
// nil when nothing is deployed yet.
func (d *Deployer) fetchAppPackage(ctx context.Context) (*appPackage, error) {
	base := d.endpoint + contentPath

	servicesXML, found, err := d.fetchContent(ctx, base+"/services.xml")
	if err != nil || !found {
		return nil, err
	}

	pkg := &appPackage{
		ServicesXML: servicesXML,
		Schemas:     make(map[string]string),
	}

	// hosts.xml is optional
	if hostsXML, found, err := d.fetchContent(ctx, base+"/hosts.xml"); err == nil && found {
		pkg.HostsXML = hostsXML
	}

	listing, found, err := d.fetchContent(ctx, base+"/schemas/")
	if err != nil {
		return nil, err
	}
	if !found {
		return pkg, nil
	}

	// The directory listing is a JSON array of URLs
	var schemaURLs []string
	if err := json.Unmarshal([]byte(listing), &schemaURLs); err != nil {
		return nil, fmt.Errorf("failed to parse schema listing: %w", err)
	}
	for _, schemaURL := range schemaURLs {
		filename := schemaURL[strings.LastIndex(schemaURL, "/")+1:]
		if !strings.HasSuffix(filename, ".sd") {
			continue
		}
		content, found, err := d.fetchContent(ctx, base+"/schemas/"+filename)
		if err != nil {
			return nil, err
		}
		if found {
			pkg.Schemas[filename] = content
		}
	}
	return pkg, nil
}

// fetchContent fetches a file from the content API. found is false on 404.
func (d *Deployer) fetchContent(ctx context.Context, u string) (content string, found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", false, domain.Unavailable("vespa", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode >= 400 {
		return "", false, statusError("fetch content", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, domain.Unavailable("vespa", err)
	}
	return string(body), true, nil
}

func vectorFieldType(dims int) string {
	return fmt.Sprintf("tensor<float>(x[%d])", dims)
}

type templateData struct {
	DocType string
	Dims    int
}

func (d *Deployer) generateSchema(dims int) ([]byte, error) {
	return d.render("schemas/text_vector.sd.tmpl", templateData{DocType: d.docType, Dims: dims})
}

func (d *Deployer) renderServices() ([]byte, error) {
	return d.render("schemas/services.xml", templateData{DocType: d.docType})
}

func (d *Deployer) render(name string, data templateData) ([]byte, error) {
	tmplContent, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(name).Parse(string(tmplContent))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// createAppPackage creates an application package zip holding only our schema
func (d *Deployer) createAppPackage(services, schema []byte) ([]byte, error) {
	files := map[string][]byte{"services.xml": services}
	files["schemas/"+d.docType+".sd"] = schema
	return zipFiles(files)
}

// createMergedAppPackage adds our schema to an already deployed application
func (d *Deployer) createMergedAppPackage(existing *appPackage, schema []byte) ([]byte, error) {
	files := map[string][]byte{
		"services.xml": []byte(d.addDocumentType(existing.ServicesXML)),
	}
	if existing.HostsXML != "" {
		files["hosts.xml"] = []byte(existing.HostsXML)
	}
	for filename, content := range existing.Schemas {
		files["schemas/"+filename] = []byte(content)
	}
	files["schemas/"+d.docType+".sd"] = schema

	return zipFiles(files)
}

// addDocumentType adds <document type="..." mode="index"/> to every content cluster
func (d *Deployer) addDocumentType(servicesXML string) string {
	if strings.Contains(servicesXML, fmt.Sprintf(`type="%s"`, d.docType)) {
		return servicesXML
	}

	re := regexp.MustCompile(`(<documents[^>]*>)`)
	return re.ReplaceAllString(servicesXML, fmt.Sprintf(`$1
            <document type="%s" mode="index"/>`, d.docType))
}

func zipFiles(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)

	for name, content := range files {
		w, err := zipWriter.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(content); err != nil {
			return nil, err
		}
	}

	if err := zipWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
