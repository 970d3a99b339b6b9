// Package worker executes Jobs by orchestrating Sandbox invocations. A
// Worker dequeues one Job at a time, fetches inputs from BlobStore, runs
// the language recipe and task-type protocol, and returns a JobResult by
// value; it never writes to the database directly.
package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LanguageRecipe is the config-driven (source_filenames, compile_commands,
// run_command, header_files_injected) tuple for one supported language.
// Adding a language is a config change, never a code change.
type LanguageRecipe struct {
	Name                string   `yaml:"name"`
	SourceFilenames     []string `yaml:"source_filenames"`
	CompileCommands     [][]string `yaml:"compile_commands"`
	RunCommand          []string `yaml:"run_command"`
	HeaderFilesInjected []string `yaml:"header_files_injected"`
	// Artifact is the filename compilation leaves in the box; it is what
	// gets uploaded to the blob store and materialised for evaluation.
	// Defaults to the base name of the run command's first token.
	Artifact string `yaml:"artifact"`
}

// ArtifactName resolves the compiled artifact filename.
func (r LanguageRecipe) ArtifactName() string {
	if r.Artifact != "" {
		return r.Artifact
	}
	if len(r.RunCommand) == 0 {
		return ""
	}
	return filepath.Base(r.RunCommand[0])
}

// RecipeSet is the decoded contents of the language recipes YAML file.
type RecipeSet struct {
	Languages []LanguageRecipe `yaml:"languages"`
}

// LoadRecipes decodes the language recipe set from path.
func LoadRecipes(path string) (RecipeSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RecipeSet{}, fmt.Errorf("op=worker.LoadRecipes: %w", err)
	}
	var rs RecipeSet
	if err := yaml.Unmarshal(b, &rs); err != nil {
		return RecipeSet{}, fmt.Errorf("op=worker.LoadRecipes: %w", err)
	}
	return rs, nil
}

// ByName returns the recipe for lang, or false if unknown.
func (rs RecipeSet) ByName(lang string) (LanguageRecipe, bool) {
	for _, r := range rs.Languages {
		if r.Name == lang {
			return r, true
		}
	}
	return LanguageRecipe{}, false
}
