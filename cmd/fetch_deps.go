package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/svenrdz/esg-pull/pkg"
	"github.com/svenrdz/esg-pull/pkg/archive"
)

// depSpec is one entry in DEPS.yml. The translate toolchain and the other
// prebuilt binaries the workflow needs are described this way.
type depSpec struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	Strip      int
	MarkExec   []string `yaml:"markExec,omitempty"`
}

type depConfig struct {
	Vars map[string]string
	Deps map[string]depSpec
}

const (
	depsFile  = "DEPS.yml"
	stampFile = "DEPS.stamps"
)

var fetchDepsCmd = &cobra.Command{
	Use:   "fetch-deps",
	Short: "Downloads and unpacks dependencies",
	Long:  `Downloads and unpacks the toolchains listed in DEPS.yml into the workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg.PrintTask("Loading config")
		root, err := pkg.GetProjectRoot()
		if err != nil {
			return err
		}

		cfg, cfgData, stamps, err := getDepConfig(root)
		if err != nil {
			return err
		}

		pkg.PrintTask("Downloading dependencies")
		err = downloadAndExtract(cmd, cfg, cfgData, stamps, root)

		stampData, jErr := json.Marshal(stamps)
		if jErr != nil {
			pkg.PrintError(jErr.Error())
		} else {
			jErr = os.WriteFile(filepath.Join(root, stampFile), stampData, os.FileMode(0o660))
			if jErr != nil {
				pkg.PrintError(jErr.Error())
			}
		}

		pkg.PrintTask("Done")

		return err
	},
}

func init() {
	rootCmd.AddCommand(fetchDepsCmd)
	fetchDepsCmd.Flags().BoolP("update", "u", false, "update the checksums in DEPS.yml instead of failing on mismatch")
}

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		// progress bars just clutter the CI logs
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

func getDepConfig(projectRoot string) (depConfig, string, map[string]string, error) {
	var cfg depConfig
	cfgPath := filepath.Join(projectRoot, depsFile)
	cfgData, err := os.ReadFile(cfgPath)
	if err != nil {
		return cfg, "", nil, eris.Wrapf(err, "could not open file %s", cfgPath)
	}

	err = yaml.Unmarshal(cfgData, &cfg)
	if err != nil {
		return cfg, "", nil, eris.Wrapf(err, "failed to parse %s", cfgPath)
	}

	stamps := map[string]string{}
	stampPath := filepath.Join(projectRoot, stampFile)
	stampData, err := os.ReadFile(stampPath)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return cfg, "", nil, eris.Wrapf(err, "failed to read stamps file %s", stampPath)
		}
	} else {
		err = json.Unmarshal(stampData, &stamps)
		if err != nil {
			return cfg, "", nil, eris.Wrapf(err, "failed to parse JSON file %s", stampPath)
		}
	}

	return cfg, string(cfgData), stamps, nil
}

var depVarMatcher = regexp.MustCompile(`\{([A-Z0-9_]+)\}`)

// evalConditions substitutes the {VAR} placeholders in the download URL and
// checks the entry's if / ifNot variable conditions.
func evalConditions(meta *depSpec, vars map[string]string) bool {
	meta.URL = depVarMatcher.ReplaceAllStringFunc(meta.URL, func(varName string) string {
		return vars[varName[1:len(varName)-1]]
	})

	for _, condition := range strings.Split(meta.Condition, ",") {
		if condition == "" {
			continue
		}

		value, ok := vars[strings.TrimSpace(condition)]
		if !ok || value == "" {
			return false
		}
	}

	for _, condition := range strings.Split(meta.Rejections, ",") {
		if condition == "" {
			continue
		}

		value, ok := vars[strings.TrimSpace(condition)]
		if ok && value != "" {
			return false
		}
	}
	return true
}

// downloadDep streams the archive to a temporary file while hashing it.
func downloadDep(client *http.Client, url, dest string) (string, int64, error) {
	handle, err := os.Create(dest)
	if err != nil {
		return "", 0, eris.Wrapf(err, "failed to create %s", dest)
	}
	defer handle.Close()

	resp, err := client.Get(url)
	if err != nil {
		return "", 0, eris.Wrapf(err, "failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, eris.Errorf("download of %s failed with status %s", url, resp.Status)
	}

	hash := sha256.New()
	bar := getProgressBar(resp.ContentLength, "     download")
	defer bar.Finish()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if err != nil && n < 1 {
			if err == io.EOF {
				break
			}
			return "", 0, eris.Wrapf(err, "failed during download of %s", url)
		}

		_, err = hash.Write(buf[:n])
		if err != nil {
			return "", 0, eris.Wrapf(err, "failed to calculate checksum for %s", url)
		}

		_, err = handle.Write(buf[:n])
		if err != nil {
			return "", 0, eris.Wrapf(err, "failed to write download to %s", dest)
		}

		bar.Write(buf[:n])
	}

	return hex.EncodeToString(hash.Sum(nil)), resp.ContentLength, nil
}

func downloadAndExtract(cmd *cobra.Command, cfg depConfig, cfgData string, stamps map[string]string, projectRoot string) error {
	client := &http.Client{
		Timeout: time.Minute * 30,
	}

	update, err := cmd.Flags().GetBool("update")
	if err != nil {
		return err
	}

	vars := cfg.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}

	changes := map[string]string{}
	for name, meta := range cfg.Deps {
		// conditions have to be evaluated even when updating because they
		// also resolve the variable placeholders
		skip := !evalConditions(&meta, vars)
		if skip && !update {
			continue
		}

		destPath := filepath.Join(projectRoot, meta.Dest)
		destInfo, err := os.Stat(destPath)
		destExists := err == nil

		stampToken := meta.URL + "#" + meta.Sha256
		stamp, ok := stamps[name]
		if ok && stampToken == stamp && destExists {
			continue
		}

		pkg.PrintSubtask(name + ":  " + meta.URL)
		if meta.Sha256 == "" && !update {
			return eris.Errorf("dependency %s doesn't have a checksum", name)
		}

		tmpFile := filepath.Join(projectRoot, "deps_dl.tmp")
		digest, length, err := downloadDep(client, meta.URL, tmpFile)
		if err != nil {
			return err
		}
		defer os.Remove(tmpFile)

		if digest != meta.Sha256 {
			if update {
				fmt.Println("      Updating checksum")
				changes[name] = digest
			} else {
				return eris.Errorf("checksum check failed for %s", name)
			}
		}

		if skip {
			continue
		}

		if destExists {
			pkg.PrintSubtask(fmt.Sprintf("Remove %s", destPath))
			if destInfo.IsDir() {
				err = os.RemoveAll(destPath)
			} else {
				err = os.Remove(destPath)
			}
			if err != nil {
				return err
			}
		}

		extractor, err := archive.ForName(meta.URL)
		if err != nil {
			return err
		}

		arHandle, err := os.Open(tmpFile)
		if err != nil {
			return eris.Wrapf(err, "failed to reopen %s", tmpFile)
		}

		bar := getProgressBar(length, "      extract")
		err = extractor(arHandle, bar, destPath, meta.Strip)
		arHandle.Close()
		bar.Finish()
		if err != nil {
			return err
		}

		if runtime.GOOS != "windows" {
			// .zip files don't carry permissions which means we have to
			// manually mark the bundled binaries as executable
			for _, binPath := range meta.MarkExec {
				binPath = filepath.Join(projectRoot, meta.Dest, binPath)
				fi, err := os.Stat(binPath)
				if err != nil {
					return eris.Wrapf(err, "failed to read permissions for %s", binPath)
				}

				err = os.Chmod(binPath, fi.Mode()|0o700)
				if err != nil {
					return eris.Wrapf(err, "failed to mark %s as executable", binPath)
				}
			}
		}

		stamps[name] = stampToken
	}

	if update && len(changes) > 0 {
		pkg.PrintTask("Updating " + depsFile)
		generated, err := patchChecksums(cfgData, cfg, changes)
		if err != nil {
			return err
		}

		err = os.WriteFile(filepath.Join(projectRoot, depsFile), []byte(generated), os.FileMode(0o660))
		if err != nil {
			return eris.Wrapf(err, "failed to write %s", depsFile)
		}
	}

	return nil
}

// patchChecksums updates the sha256 entries in the raw DEPS.yml text without
// disturbing the rest of the document.
func patchChecksums(cfgData string, cfg depConfig, changes map[string]string) (string, error) {
	generated := cfgData
	for name, newChecksum := range changes {
		pos := strings.Index(generated, name+":\n")
		if pos == -1 {
			return "", eris.Errorf("failed to find the section for %s", name)
		}

		oldChecksum := cfg.Deps[name].Sha256
		if oldChecksum == "" {
			start := pos + len(name) + 2
			generated = generated[:start] + "    sha256: " + newChecksum + "\n" + generated[start:]
			continue
		}

		subPos := strings.Index(generated[pos:], "sha256: "+oldChecksum)
		if subPos == -1 {
			return "", eris.Errorf("couldn't find the checksum section for %s", name)
		}

		start := pos + subPos + len("sha256: ")
		end := start + len(oldChecksum)
		generated = generated[:start] + newChecksum + generated[end:]
	}

	return generated, nil
}
