package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadDotEnv reads a .env-style file and sets variables into the process
// environment. Lines starting with '#' are comments; `export KEY=VALUE` and
// quoted values are accepted. Existing variables win unless override is set.
//
// The deployment bundle ships a .env consumed by compose; the agent loads it
// too so values like STACKPILOT_AUTH_TOKEN are visible without duplication.
func LoadDotEnv(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		if !override {
			if _, ok := os.LookupEnv(key); ok {
				continue
			}
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// LoadDotEnvIfPresent loads path when it exists and is a regular file.
func LoadDotEnvIfPresent(path string) {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		_ = LoadDotEnv(path, false)
	}
}
