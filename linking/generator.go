// Package linking generates the shim modules that let user code require
// installed dependencies by alias instead of by container path.
package linking

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

// A TypeDecl is one exported type declaration found in a library file: its
// name plus the generic parameter list (with defaults stripped) needed to
// reference it.
type TypeDecl struct {
	Name     string
	Generics string
}

// GetLibRequirePath computes the require string from a shim's folder to a
// library file inside its container. Paths are always relative to the shim
// file, never absolute. The sentinel for an unknown lib file resolves to
// the container folder itself.
func GetLibRequirePath(shimDir, containerDir, libFile string) (string, error) {
	dest := containerDir
	if libFile != source.NoLibFile {
		dest = filepath.Join(containerDir, filepath.FromSlash(libFile))
	}

	rel, err := filepath.Rel(shimDir, dest)
	if err != nil {
		return "", errors.Wrapf(err, "relativizing %s against %s", dest, shimDir)
	}

	path := filepath.ToSlash(rel)
	path = strings.TrimSuffix(path, ".luau")
	path = strings.TrimSuffix(path, ".lua")
	if path != ".." && !strings.HasPrefix(path, "./") && !strings.HasPrefix(path, "../") {
		path = "./" + path
	}
	return path, nil
}

// GetBinRequirePath computes the require string from a shim's folder to a
// binary entry point inside its container.
func GetBinRequirePath(shimDir, containerDir, binFile string) (string, error) {
	return GetLibRequirePath(shimDir, containerDir, binFile)
}

// GenerateLibLinkingModule renders a library shim: it requires the target
// and re-exports it, re-declaring the exported types so they survive the
// indirection.
func GenerateLibLinkingModule(requirePath string, types []TypeDecl) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("local m = require(%q)\n", requirePath))
	for _, t := range types {
		sb.WriteString(fmt.Sprintf("export type %s%s = m.%s%s\n", t.Name, t.Generics, t.Name, t.Generics))
	}
	sb.WriteString("return m\n")
	return sb.String()
}

// GenerateBinLinkingModule renders a binary shim: a thin trampoline that
// records the package root and requires the entry point.
func GenerateBinLinkingModule(containerDir, requirePath string) string {
	return fmt.Sprintf("_G.PESDE_ROOT = %q\nreturn require(%q)\n", filepath.ToSlash(containerDir), requirePath)
}

// BinLauncherScript renders the top-level bin/<alias> launcher: a lune
// script that walks up from the current directory looking for a manifest,
// then probes every packages-folder combination for the alias's bin shim.
func BinLauncherScript(alias, manifestName string) string {
	folders := make(map[string]bool)
	for _, a := range target.Kinds {
		for _, b := range target.Kinds {
			folders[a.PackagesFolder(b)] = true
		}
	}
	sorted := make([]string, 0, len(folders))
	for folder := range folders {
		sorted = append(sorted, folder)
	}
	sort.Strings(sorted)
	quoted := make([]string, len(sorted))
	for i, folder := range sorted {
		quoted[i] = fmt.Sprintf("%q", folder)
	}

	return fmt.Sprintf(`#!/usr/bin/env -S lune run
local process = require("@lune/process")
local fs = require("@lune/fs")
local stdio = require("@lune/stdio")

local project_root = process.cwd
local path_components = string.split(string.gsub(project_root, "\\", "/"), "/")

for i = #path_components, 1, -1 do
    local path = table.concat(path_components, "/", 1, i)
    if fs.isFile(path .. "/%s") then
        project_root = path
        break
    end
end

for _, packages_folder in { %s } do
    local path = `+"`{project_root}/{packages_folder}/%s.bin.luau`"+`

    if fs.isFile(path) then
        require(path)
        return
    end
end

stdio.ewrite(stdio.color("red") .. "binary `+"`%s`"+` not found. are you in the right directory?" .. stdio.color("reset") .. "\n")
`, manifestName, strings.Join(quoted, ", "), alias, alias)
}

// GetFileTypes enumerates the exported type declarations of a library
// file so shims can re-export the same surface.
func GetFileTypes(contents string) []TypeDecl {
	var out []TypeDecl

	lines := strings.Split(stripLongComments(contents), "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "export type ") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "export type "))

		name := readIdentifier(rest)
		if name == "" {
			continue
		}
		rest = rest[len(name):]

		generics := ""
		if strings.HasPrefix(rest, "<") {
			params, ok := readGenerics(rest)
			if !ok {
				continue
			}
			generics = params
		}

		out = append(out, TypeDecl{Name: name, Generics: generics})
	}
	return out
}

func readIdentifier(s string) string {
	for i, r := range s {
		if unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return s[:i]
	}
	return s
}

// readGenerics parses a balanced generic parameter list and rewrites it to
// the reference form: parameter names only, defaults and bounds stripped.
func readGenerics(s string) (string, bool) {
	depth := 0
	end := -1
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return "", false
	}

	inner := s[1:end]
	parts := splitTopLevel(inner, ',')
	params := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		name := readIdentifier(part)
		if name == "" {
			return "", false
		}
		// Generic packs keep their ellipsis in the reference form.
		if strings.HasPrefix(part[len(name):], "...") {
			name += "..."
		}
		params = append(params, name)
	}
	return "<" + strings.Join(params, ", ") + ">", true
}

func splitTopLevel(s string, sep rune) []string {
	var (
		out   []string
		start int
		depth int
	)
	for i, r := range s {
		switch r {
		case '<', '(', '{':
			depth++
		case '>', ')', '}':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// stripLongComments removes Lua long comments so commented-out type
// declarations are not exported.
func stripLongComments(s string) string {
	var sb strings.Builder
	for {
		start := strings.Index(s, "--[[")
		if start < 0 {
			sb.WriteString(s)
			break
		}
		sb.WriteString(s[:start])
		end := strings.Index(s[start:], "]]")
		if end < 0 {
			break
		}
		s = s[start+end+2:]
	}
	return sb.String()
}
