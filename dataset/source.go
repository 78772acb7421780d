package dataset

import (
	"fmt"
	"strings"

	"hubdata/format"
)

// Source is either a SingleSource or a UnionOfSources.
type Source interface {
	isSource()
}

// SingleSource is the accepted files of one format.
type SingleSource struct {
	Format format.Format
	Files  []File
}

// UnionOfSources unions one SingleSource per contributing format.
type UnionOfSources struct {
	Children []SingleSource
}

func (SingleSource) isSource()   {}
func (UnionOfSources) isSource() {}

// NewSource splits files by format, keeping their order. A single
// contributing format gives a SingleSource.
func NewSource(files []File) Source {
	var children []SingleSource
	index := make(map[format.Format]int)
	for _, f := range files {
		i, ok := index[f.Format]
		if !ok {
			i = len(children)
			index[f.Format] = i
			children = append(children, SingleSource{Format: f.Format})
		}
		children[i].Files = append(children[i].Files, f)
	}
	if len(children) == 1 {
		return children[0]
	}
	return UnionOfSources{Children: children}
}

// SourceFiles flattens a Source back into its files.
func SourceFiles(s Source) []File {
	switch s := s.(type) {
	case SingleSource:
		return s.Files
	case UnionOfSources:
		var out []File
		for _, c := range s.Children {
			out = append(out, c.Files...)
		}
		return out
	}
	return nil
}

// Describe summarises a Source in one line.
func Describe(s Source) string {
	switch s := s.(type) {
	case SingleSource:
		return fmt.Sprintf("%s source with %d files", s.Format, len(s.Files))
	case UnionOfSources:
		if len(s.Children) == 0 {
			return "empty union"
		}
		parts := make([]string, len(s.Children))
		for i, c := range s.Children {
			parts[i] = fmt.Sprintf("%s (%d files)", c.Format, len(c.Files))
		}
		return fmt.Sprintf("union of %d sources: %s", len(s.Children), strings.Join(parts, ", "))
	}
	return "unknown source"
}

// Preview returns the first and last n paths of files, eliding the middle.
func Preview(files []File, n int) []string {
	if len(files) <= 2*n {
		out := make([]string, len(files))
		for i, f := range files {
			out[i] = f.Path
		}
		return out
	}
	out := make([]string, 0, 2*n+1)
	for _, f := range files[:n] {
		out = append(out, f.Path)
	}
	out = append(out, fmt.Sprintf("... %d more", len(files)-2*n))
	for _, f := range files[len(files)-n:] {
		out = append(out, f.Path)
	}
	return out
}
