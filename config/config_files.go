package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ReadConfigFiles will find all yaml files within path and read them in lexical order
func ReadConfigFiles(path string) ([]string, error) {
	files, err := resolve(path, true)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(files)

	read := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		read = append(read, string(b))
	}

	return read, nil
}

// direct signifies if this is the config path directly specified by the user,
// versus a file/dir found by recursing into that path
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		if f, ok := checkFile(path, direct); ok {
			return []string{f}, nil
		}
		return nil, nil
	}

	paths, err := readDirNames(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %s", path, err)
	}

	var files []string
	for _, p := range paths {
		f, err := resolve(filepath.Join(path, p), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}

	return files, nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	paths, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// checkFile returns the absolute name of the file and whether it should be
// loaded. Files found by walking a directory need a yaml extension.
func checkFile(path string, direct bool) (string, bool) {
	ext := filepath.Ext(path)

	if !direct && ext != ".yaml" && ext != ".yml" {
		return "", false
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	return ap, true
}
