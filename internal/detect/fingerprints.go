package detect

import (
	"github.com/phpack/phpack/internal/types"
)

// fingerprint recognizes one framework; match returns the markers that
// identified it or nil.
type fingerprint struct {
	projectType types.ProjectType
	match       func(s *snapshot) []string
}

// fingerprints are evaluated in priority order. More specific frameworks come
// first; plain PHP is the generic fallback.
var fingerprints = []fingerprint{
	{types.ProjectTypeLaravel, matchLaravel},
	{types.ProjectTypeWordPress, matchWordPress},
	{types.ProjectTypeSymfony, matchSymfony},
	{types.ProjectTypeCodeIgniter, matchCodeIgniter},
	{types.ProjectTypeDrupal, matchDrupal},
	{types.ProjectTypeCakePHP, matchCakePHP},
	{types.ProjectTypePlainPHP, matchPlainPHP},
}

func matchLaravel(s *snapshot) []string {
	if !s.hasFile("artisan") {
		return nil
	}
	if s.composerMentions("laravel/framework") {
		return []string{"artisan", "composer.json"}
	}
	if s.hasFile("bootstrap/app.php") {
		return []string{"artisan", "bootstrap/app.php"}
	}
	return nil
}

func matchWordPress(s *snapshot) []string {
	for _, marker := range []string{"wp-config.php", "wp-config-sample.php"} {
		if s.hasFile(marker) {
			return []string{marker}
		}
	}
	if s.hasDir("wp-content") {
		return []string{"wp-content"}
	}
	return nil
}

func matchSymfony(s *snapshot) []string {
	if s.hasFile("symfony.lock") {
		return []string{"symfony.lock"}
	}
	if !s.composerMentions("symfony/") {
		return nil
	}
	if s.hasFile("bin/console") {
		return []string{"bin/console", "composer.json"}
	}
	if s.hasDir("config") {
		return []string{"config", "composer.json"}
	}
	return nil
}

func matchCodeIgniter(s *snapshot) []string {
	if s.hasDir("system") && s.hasDir("application") {
		return []string{"system", "application"}
	}
	if s.hasFile("spark") && s.composerMentions("codeigniter4/") {
		return []string{"spark", "composer.json"}
	}
	return nil
}

func matchDrupal(s *snapshot) []string {
	if s.hasDir("core") && s.hasDir("sites") {
		return []string{"core", "sites"}
	}
	return nil
}

func matchCakePHP(s *snapshot) []string {
	if s.hasDir("config") && s.hasDir("src") && s.composerMentions("cakephp/cakephp") {
		return []string{"config", "src", "composer.json"}
	}
	return nil
}

func matchPlainPHP(s *snapshot) []string {
	if files := s.phpFilesIn("."); len(files) > 0 {
		return files[:1]
	}
	if files := s.phpFilesIn("public"); len(files) > 0 {
		return files[:1]
	}
	return nil
}

// entryCandidates lists entry files per type in preference order
var entryCandidates = map[types.ProjectType][]string{
	types.ProjectTypeLaravel:     {"public/index.php", "index.php"},
	types.ProjectTypeWordPress:   {"index.php", "wp-config.php"},
	types.ProjectTypeSymfony:     {"public/index.php", "web/index.php", "index.php"},
	types.ProjectTypeCodeIgniter: {"public/index.php", "index.php"},
	types.ProjectTypeDrupal:      {"index.php"},
	types.ProjectTypeCakePHP:     {"webroot/index.php", "index.php"},
}

// genericEntries apply to plain PHP and unknown projects
var genericEntries = []string{"index.php", "app.php", "main.php", "start.php", "public/index.php"}

// entryFile picks the entry file. When nothing matches it falls back to the
// first PHP file in the root, then to "index.php".
func entryFile(s *snapshot, t types.ProjectType) string {
	candidates, ok := entryCandidates[t]
	if !ok {
		candidates = genericEntries
	}
	for _, c := range candidates {
		if s.hasFile(c) {
			return c
		}
	}
	if t == types.ProjectTypePlainPHP {
		if files := s.phpFilesIn("."); len(files) > 0 {
			return files[0]
		}
		if files := s.phpFilesIn("public"); len(files) > 0 {
			return files[0]
		}
	}
	if len(candidates) > 0 && t != types.ProjectTypePlainPHP && t != types.ProjectTypeUnknown {
		return candidates[len(candidates)-1]
	}
	return "index.php"
}
