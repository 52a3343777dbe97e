package sections

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grc-extract/internal/model"
)

// Load reads every content.json under sectionsDir/sections in folder
// order.
func Load(sectionsDir string) ([]model.SectionContent, error) {
	paths, err := filepath.Glob(filepath.Join(sectionsDir, "sections", "*", ContentFile))
	if err != nil {
		return nil, eris.Wrap(err, "sections: glob content files")
	}
	sort.Strings(paths)

	out := make([]model.SectionContent, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "sections: read %s", p)
		}
		var c model.SectionContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, eris.Wrapf(err, "sections: decode %s", p)
		}
		out = append(out, c)
	}
	return out, nil
}

// ReadManifest loads sections_index.json from sectionsDir.
func ReadManifest(sectionsDir string) (model.Manifest, error) {
	var m model.Manifest
	data, err := os.ReadFile(filepath.Join(sectionsDir, ManifestFile))
	if err != nil {
		return m, eris.Wrap(err, "sections: read manifest")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, eris.Wrap(err, "sections: decode manifest")
	}
	return m, nil
}
