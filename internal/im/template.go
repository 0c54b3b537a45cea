package im

import (
	"embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultImage is the catalog name of the OS image the probe VM boots.
const DefaultImage = "egi.ubuntu.24.04"

//go:embed templates/vm.yaml
var templateFS embed.FS

var placeholderRe = regexp.MustCompile(`%[A-Z_]+%`)

// TemplateParams are substituted into the VM template.
type TemplateParams struct {
	Site  string
	VO    string
	Image string
}

// RenderTemplate returns the VM template for site and vo using DefaultImage.
func RenderTemplate(site, vo string) (string, error) {
	return TemplateParams{Site: site, VO: vo}.Render()
}

// Render substitutes the placeholders of the embedded template. The result is
// checked to be valid YAML and free of leftover placeholders.
func (p TemplateParams) Render() (string, error) {
	if p.Site == "" || p.VO == "" {
		return "", fmt.Errorf("template: site and vo are required")
	}
	if p.Image == "" {
		p.Image = DefaultImage
	}
	raw, err := templateFS.ReadFile("templates/vm.yaml")
	if err != nil {
		return "", fmt.Errorf("template: %w", err)
	}
	out := strings.NewReplacer(
		"%SITE%", p.Site,
		"%VO%", p.VO,
		"%IMAGE%", p.Image,
	).Replace(string(raw))

	if left := placeholderRe.FindAllString(out, -1); len(left) > 0 {
		return "", fmt.Errorf("template: unresolved placeholders %v", left)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		return "", fmt.Errorf("template: rendered document is not valid YAML: %w", err)
	}
	if _, ok := doc["topology_template"]; !ok {
		return "", fmt.Errorf("template: topology_template missing")
	}
	return out, nil
}

// ImageReference is the catalog reference the template resolves for p.
func (p TemplateParams) ImageReference() string {
	image := p.Image
	if image == "" {
		image = DefaultImage
	}
	return fmt.Sprintf("appdb://%s/%s?%s", p.Site, image, p.VO)
}
