package policy

import (
	_ "embed"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sells-group/grc-extract/internal/model"
)

//go:embed frameworks.yaml
var frameworksYAML []byte

type catalogEntry struct {
	model.FrameworkInfo `yaml:",inline"`
	Keywords []string `yaml:"keywords"`
}

type catalog struct {
	Frameworks []catalogEntry      `yaml:"frameworks"`
	Default    model.FrameworkInfo `yaml:"default"`
}

var frameworks = mustCatalog(frameworksYAML)

func mustCatalog(data []byte) catalog {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		panic("policy: invalid frameworks.yaml: " + err.Error())
	}
	return c
}

var nameSeparators = strings.NewReplacer("_", " ", "-", " ", ".", " ", "/", " ")

// DetectFramework matches known framework keywords in a directory or file
// name. Unknown names get the custom default.
func DetectFramework(name string) model.FrameworkInfo {
	norm := " " + strings.Join(strings.Fields(strings.ToLower(nameSeparators.Replace(filepath.Base(name)))), " ") + " "
	for _, f := range frameworks.Frameworks {
		for _, kw := range f.Keywords {
			if strings.Contains(norm, " "+kw+" ") {
				return f.FrameworkInfo
			}
		}
	}
	return frameworks.Default
}
