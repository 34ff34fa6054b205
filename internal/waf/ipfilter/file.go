package ipfilter

import (
	"bufio"
	"os"
)

// readLines reads an IP list file: UTF-8, line-oriented, "#" introduces a
// comment. Blank lines and comment-only lines are skipped. A missing path
// yields an empty list rather than an error, since whitelist/blacklist files
// are both optional.
func readLines(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path) // #nosec G304 -- path is an operator-supplied config value
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// LoadFiles loads the whitelist and blacklist from their respective IP
// list files and installs them into f.
func (f *Filter) LoadFiles(whitelistPath, blacklistPath string) error {
	whitelist, err := readLines(whitelistPath)
	if err != nil {
		return err
	}
	blacklist, err := readLines(blacklistPath)
	if err != nil {
		return err
	}
	f.Load(whitelist, blacklist)
	return nil
}
