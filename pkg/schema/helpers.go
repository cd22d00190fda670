package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/openconfig/goyang/pkg/yang"
	log "github.com/sirupsen/logrus"
)

func (sc *Schema) readYANGFiles(files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no yang files found in %v", sc.config.Files)
	}

	dirs, err := ExpandOSPaths(append([]string{}, sc.config.Directories...))
	if err != nil {
		return err
	}
	for _, dirpath := range dirs {
		expanded, err := yang.PathsWithModules(dirpath)
		if err != nil {
			return err
		}
		sc.modules.AddPath(expanded...)
	}
	excludeRegexes := make([]*regexp.Regexp, 0, len(sc.config.Excludes))
	for _, e := range sc.config.Excludes {
		r, err := regexp.Compile(e)
		if err != nil {
			return err
		}
		excludeRegexes = append(excludeRegexes, r)
	}

MAIN:
	for _, name := range files {
		for _, r := range excludeRegexes {
			if r.MatchString(name) {
				log.Debugf("excluding yang file %s", name)
				continue MAIN
			}
		}
		if err := sc.modules.Read(name); err != nil {
			return err
		}
	}
	return sc.process()
}

func (sc *Schema) process() error {
	if errors := sc.modules.Process(); len(errors) > 0 {
		for _, e := range errors {
			log.Errorf("yang processing error: %v", e)
		}
		return fmt.Errorf("yang processing failed with %d errors: %v", len(errors), errors[0])
	}
	return nil
}

func walkDir(path, ext string) ([]string, error) {
	fs := make([]string, 0)
	err := filepath.Walk(path,
		func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.Mode().IsRegular() && filepath.Ext(path) == ext {
				fs = append(fs, path)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return fs, nil
}

func findYangFiles(files []string) ([]string, error) {
	files, err := ExpandOSPaths(append([]string{}, files...))
	if err != nil {
		return nil, err
	}
	yfiles := make([]string, 0, len(files))
	for _, file := range files {
		fi, err := os.Stat(file)
		if err != nil {
			return nil, err
		}
		switch mode := fi.Mode(); {
		case mode.IsDir():
			fls, err := walkDir(file, ".yang")
			if err != nil {
				return nil, err
			}
			yfiles = append(yfiles, fls...)
		case mode.IsRegular():
			if filepath.Ext(file) == ".yang" {
				yfiles = append(yfiles, file)
			}
		}
	}
	return yfiles, nil
}

// watchedDirs returns the directories holding the configured files.
func watchedDirs(files, dirs []string) ([]string, error) {
	all, err := ExpandOSPaths(append(append([]string{}, files...), dirs...))
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	result := []string{}
	for _, p := range all {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		d := p
		if !fi.IsDir() {
			d = filepath.Dir(p)
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		result = append(result, d)
	}
	return result, nil
}

func ExpandOSPaths(paths []string) ([]string, error) {
	var err error
	for i := range paths {
		paths[i], err = expandOSPath(paths[i])
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func expandOSPath(p string) (string, error) {
	if p == "-" || p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "http://") ||
		strings.HasPrefix(p, "https://") {
		return p, nil
	}
	np, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("path %q: %v", p, err)
	}
	if !filepath.IsAbs(np) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("path %q: %v", p, err)
		}
		np = filepath.Join(cwd, np)
	}
	_, err = os.Stat(np)
	if err != nil {
		return "", err
	}
	return np, nil
}
