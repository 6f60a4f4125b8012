package kmztiles

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures by the stage that detected them.
type ErrorKind uint8

const (
	// InputError covers unreadable or unsupported inputs and missing georeferencing.
	InputError ErrorKind = iota + 1
	// ConfigError covers invalid grids, CRS codes, opacity and bounds.
	ConfigError
	// TransformError covers missing CRS paths and non-finite transform results.
	TransformError
	// EncodeError is a per-tile codec failure.
	EncodeError
	// PackagingError is an archive assembly failure.
	PackagingError
)

func (k ErrorKind) String() string {
	switch k {
	case InputError:
		return "input error"
	case ConfigError:
		return "config error"
	case TransformError:
		return "transform error"
	case EncodeError:
		return "encode error"
	case PackagingError:
		return "packaging error"
	default:
		return "unknown error"
	}
}

var (
	ErrUnsupportedFormat    = errors.New("unsupported input format")
	ErrMissingGeoreference  = errors.New("input has no georeferencing")
	ErrManualBoundsRequired = errors.New("manual bounds are required for this format")
	ErrInvalidGrid          = errors.New("invalid grid")
	ErrInvalidBounds        = errors.New("invalid bounds")
	ErrInvalidOpacity       = errors.New("opacity must be within [0, 1]")
	ErrInvalidCRS           = errors.New("invalid CRS")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrUnsupportedTransform = errors.New("no transform path between CRSs")
	ErrNonFiniteTransform   = errors.New("transform produced a non-finite coordinate")
	ErrEmptyTile            = errors.New("tile has no encoded data")
)

// Cell addresses one tile of the grid.
type Cell struct {
	Row int
	Col int
}

// Error carries the context needed to report a failure to an operator:
// the stage, the file, the grid cell and the CRS codes involved.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Cell *Cell
	From CRS
	To   CRS
	Err  error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&sb, " %s", e.Path)
	}
	if e.Cell != nil {
		fmt.Fprintf(&sb, " (row %d, col %d)", e.Cell.Row, e.Cell.Col)
	}
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&sb, " [%s -> %s]", e.From, e.To)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func inputErr(op, path string, err error) *Error {
	return &Error{Kind: InputError, Op: op, Path: path, Err: err}
}

func configErr(op string, err error) *Error {
	return &Error{Kind: ConfigError, Op: op, Err: err}
}

func encodeErr(tile Tile, err error) *Error {
	return &Error{Kind: EncodeError, Op: "encode", Cell: &Cell{Row: tile.Row, Col: tile.Col}, Err: err}
}

func packagingErr(op, path string, err error) *Error {
	return &Error{Kind: PackagingError, Op: op, Path: path, Err: err}
}
