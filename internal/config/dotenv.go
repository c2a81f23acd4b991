package config

import (
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
)

// newEnv reads the given .env files. Earlier files win for a variable set
// in several; missing files are skipped.
func newEnv(fs afero.Fs, paths []string) env {
	merged := map[string]string{}
	for _, path := range paths {
		f, err := fs.Open(path)
		if err != nil {
			continue
		}
		vars, err := godotenv.Parse(f)
		f.Close()
		if err != nil {
			slog.Warn("could not parse .env file", "path", path, "error", err)
			continue
		}
		for k, v := range vars {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	return env{dotenv: merged}
}
