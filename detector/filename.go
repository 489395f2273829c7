package detector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arloliu/go-marccd/param"
)

// DefaultFileTemplate formats the file path, the file name and the file number.
const DefaultFileTemplate = "%s%s_%3.3d.tif"

// ErrBadFileTemplate is returned when the file template does not format a valid name.
var ErrBadFileTemplate = errors.New("detector: bad file template")

// FileNamer produces the full path of the next image file.
type FileNamer interface {
	CreateFileName() (string, error)
}

// TemplateNamer builds file names from the FILE_PATH, FILE_NAME, FILE_NUMBER
// and FILE_TEMPLATE parameters, advances FILE_NUMBER when AUTO_INCREMENT is
// set, and publishes the result in FULL_FILE_NAME.
type TemplateNamer struct {
	params *param.Registry
}

var _ FileNamer = (*TemplateNamer)(nil)

// NewTemplateNamer creates a TemplateNamer reading its parameters from params.
func NewTemplateNamer(params *param.Registry) *TemplateNamer {
	return &TemplateNamer{params: params}
}

func (n *TemplateNamer) CreateFileName() (string, error) {
	tmpl := n.params.String(param.FileTemplate)
	if tmpl == "" {
		tmpl = DefaultFileTemplate
	}

	dir := n.params.String(param.FilePath)
	if dir != "" && !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	number := n.params.Int(param.FileNumber)

	full := fmt.Sprintf(tmpl, dir, n.params.String(param.FileName), number)
	if strings.Contains(full, "%!") {
		return "", fmt.Errorf("%w: %q", ErrBadFileTemplate, tmpl)
	}

	if n.params.Bool(param.AutoIncrement) {
		n.params.SetInt(param.FileNumber, number+1)
	}
	n.params.SetString(param.FullFileName, full)

	return full, nil
}
