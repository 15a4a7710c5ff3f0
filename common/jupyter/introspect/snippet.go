package introspect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidName = errors.New("invalid python identifier")

	dottedIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	identifier       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

const (
	// DefaultRenderAttribute is read when RenderSnippet is given no accessors.
	DefaultRenderAttribute = "to_html"

	MimeTypeJSON = "application/json"
	MimeTypeHTML = "text/html"
	MimeTypeText = "text/plain"
)

// The helpers are defined under mangled names so that running a snippet does not clobber the user's namespace.
const sourceSnippet = `import inspect as __relay_inspect
from IPython.display import display as __relay_display

def __relay_source(func):
    lines = __relay_inspect.getsource(func).split('\n')
    body = lines[1:]
    indent = len(body[0]) - len(body[0].lstrip()) if body else 0
    return {'file': __relay_inspect.getsourcefile(func), 'source': '\n'.join(line[indent:] for line in body)}

__relay_display({'%s': __relay_source(%s)}, raw=True)
`

const renderSnippet = `from IPython.display import display as __relay_display

def __relay_access(obj, name):
    value = getattr(obj, name, None)
    try:
        value = obj[name]
    except Exception:
        pass
    if callable(value):
        value = value()
    return value

__relay_value = %s
for __relay_name in [%s]:
    __relay_value = __relay_access(__relay_value, __relay_name)
__relay_display({'%s': str(__relay_value)}, raw=True)
`

func validateDotted(name string) error {
	if !dottedIdentifier.MatchString(name) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// SourceSnippet returns code that displays the un-indented body and file of the named function as a JSON document
// with the keys "file" and "source".
func SourceSnippet(name string) (string, error) {
	if err := validateDotted(name); err != nil {
		return "", err
	}
	return fmt.Sprintf(sourceSnippet, MimeTypeJSON, name), nil
}

// RenderSnippet returns code that walks from the object named by base through each accessor and displays the
// final value as HTML.
//
// Each accessor is tried as an attribute and then as a key, and the value is called if it is callable.
func RenderSnippet(base string, accessors ...string) (string, error) {
	if err := validateDotted(base); err != nil {
		return "", err
	}
	if len(accessors) == 0 {
		accessors = []string{DefaultRenderAttribute}
	}

	quoted := make([]string, 0, len(accessors))
	for _, accessor := range accessors {
		if !identifier.MatchString(accessor) {
			return "", errors.Wrapf(ErrInvalidName, "%q", accessor)
		}
		quoted = append(quoted, fmt.Sprintf("'%s'", accessor))
	}

	return fmt.Sprintf(renderSnippet, base, strings.Join(quoted, ", "), MimeTypeHTML), nil
}
