package script

import (
	"errors"
	"fmt"
)

var (
	SyntaxErr               = errors.New("syntax error")
	ExpressionErr           = errors.New("invalid expression")
	DotNotAvailableErr      = errors.New("invalid reference to dot symbol outside of SECTIONS clause")
	UndefinedSymbolErr      = errors.New("undefined symbol referenced in expression")
	UndefinedSectionErr     = errors.New("nonexistent output section referenced in expression")
	DotBackwardErr          = errors.New("dot may not move backward")
	DataSegmentAlignErr     = errors.New("DATA_SEGMENT_ALIGN may only appear once in a linker script")
	DataSegmentRelroErr     = errors.New("DATA_SEGMENT_RELRO_END may only appear once in a linker script")
	RelroWithoutAlignErr    = errors.New("DATA_SEGMENT_RELRO_END must follow DATA_SEGMENT_ALIGN")
	NoMatchingConstraintErr = errors.New("no matching section constraint")
	MismatchedConstraintErr = errors.New("mismatched definition for constrained sections")
	SpecialConstraintErr    = errors.New("SPECIAL constraints are not implemented")
	UnplacedInputErr        = errors.New("input sections left unplaced")
	MissingOutputErr        = errors.New("output section statement without an output section")
	UnknownSegmentErr       = errors.New("no segment")
	TwoLoadSegmentsErr      = errors.New("section in two PT_LOAD segments")
	NoLoadSegmentErr        = errors.New("allocated section not in any PT_LOAD segment")
	NoSegmentErr            = errors.New("allocated section not in any segment")
	NonLoadAddressErr       = errors.New("may only specify load address for PT_LOAD segment")
	PartialHeadersErr       = errors.New("using only one of FILEHDR and PHDRS is not currently supported")
	MultipleHeadersErr      = errors.New("using FILEHDR and PHDRS on more than one PT_LOAD segment is not currently supported")
	HeaderRoomErr           = errors.New("sections loaded on first page without room for file and program headers are not supported")
	TLSNotAdjacentErr       = errors.New("TLS sections are not adjacent")
	UnsupportedCommandErr   = errors.New("unsupported linker script command")
)

// ParseError locates a syntax error in a script.
type ParseError struct {
	File string
	Line int
	Col  int
	Msg  string

	// Err is the sentinel the error wraps; SyntaxErr when nil.
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Col, e.Msg)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return SyntaxErr
}

// AssertionError is a failed ASSERT. Its message is the one written in the
// script.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return e.Message
}
