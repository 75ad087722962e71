package main

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// Discovered text files from the working directory, populated on first use.
// The pool runs each agent with cwd set to the session workspace, so these
// are the tenant's real files.
var workspaceFiles []workspaceFile

type workspaceFile struct {
	abs string
	rel string
}

var textExtensions = map[string]bool{
	".go": true, ".ts": true, ".js": true, ".py": true, ".rs": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".md": true, ".txt": true, ".sh": true, ".sql": true, ".proto": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, "__pycache__": true,
}

const maxDiscoveredFiles = 200

func discoverFiles() []workspaceFile {
	if workspaceFiles != nil {
		return workspaceFiles
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil
	}

	var files []workspaceFile
	_ = filepath.Walk(wd, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxDiscoveredFiles {
			return filepath.SkipAll
		}
		if !textExtensions[strings.ToLower(filepath.Ext(info.Name()))] {
			return nil
		}
		if info.Size() > 100*1024 {
			return nil
		}
		rel, _ := filepath.Rel(wd, path)
		files = append(files, workspaceFile{abs: path, rel: rel})
		return nil
	})

	workspaceFiles = files
	return workspaceFiles
}

// samplePath returns a random workspace file path, or a fallback when the
// workspace has no text files.
func samplePath() string {
	files := discoverFiles()
	if len(files) == 0 {
		return "example.txt"
	}
	return files[rand.Intn(len(files))].abs
}

// samplePaths returns up to n distinct relative paths for search results.
func samplePaths(n int) []string {
	files := discoverFiles()
	if len(files) == 0 {
		return []string{"example.txt"}
	}
	if n > len(files) {
		n = len(files)
	}
	perm := rand.Perm(len(files))
	paths := make([]string, n)
	for i := range paths {
		paths[i] = files[perm[i]].rel
	}
	return paths
}

// fileSnippet reads up to maxLines lines from a file.
func fileSnippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "// (file not readable)\n"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n") + "\n"
}

// editFragment picks a line suitable for a plausible mock edit and returns
// it with its replacement.
func editFragment(path string) (old, updated string) {
	f, err := os.Open(path)
	if err != nil {
		return "hello", "hello, world"
	}
	defer f.Close()

	var candidates []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if trimmed := strings.TrimSpace(line); len(trimmed) >= 10 && len(trimmed) <= 120 {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) == 0 {
		return "original", "modified"
	}

	line := candidates[rand.Intn(len(candidates))]
	return line, line + " // updated"
}
