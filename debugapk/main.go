package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/avast/apkdebugger"
	"github.com/avast/apkverifier"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	output   string
	keyAlias string
	verify   bool
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "debugapk INPUT",
	Short: "Make an apk or apks bundle debuggable and re-sign it",
	Long: `debugapk rewrites the compiled AndroidManifest.xml of an apk (or of the
merged base of an .apks bundle) so that android:debuggable is true, strips
the previous signature and signs the result with a freshly generated key.`,
	Args: cobra.ExactArgs(1),
	RunE: runPatch,
}

var infoCmd = &cobra.Command{
	Use:   "info INPUT",
	Short: "Print the manifest facts of an apk",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func main() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "output path (default INPUT with -debug suffix)")
	rootCmd.Flags().StringVar(&keyAlias, "key-alias", "CERT", "alias used for the META-INF signature entries")
	rootCmd.Flags().BoolVar(&verify, "verify", false, "verify the emitted apk and print the certificate fingerprint")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	viper.SetEnvPrefix("DEBUGAPK")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("key_alias", rootCmd.Flags().Lookup("key-alias"))
	_ = viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))

	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func runPatch(cmd *cobra.Command, args []string) error {
	input := args[0]
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	if out := viper.GetString("output"); out != "" {
		output = out
	}
	if alias := viper.GetString("key_alias"); alias != "" {
		keyAlias = alias
	}
	if output == "" {
		output = defaultOutputPath(input)
	}

	p := apkdebugger.NewPipeline(newLogger())
	p.KeyAlias = keyAlias

	res := p.Run(context.Background(), input, data)
	if !res.Success {
		return fmt.Errorf("failed to process %s", input)
	}

	if err := os.WriteFile(output, res.Output, 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes)\n", output, len(res.Output))

	if verify {
		return verifyOutput(output)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	archive, err := apkdebugger.OpenArchive(data)
	if err != nil {
		return err
	}
	manifest, err := archive.Read("AndroidManifest.xml")
	if err != nil {
		return err
	}
	info, err := apkdebugger.ParseManifestInfo(manifest)
	if err != nil {
		return err
	}

	fmt.Printf("package:     %s\n", info.Package)
	fmt.Printf("versionCode: %d\n", info.VersionCode)
	fmt.Printf("versionName: %s\n", info.VersionName)
	fmt.Printf("minSdk:      %d\n", info.MinSdkVersion)
	fmt.Printf("targetSdk:   %d\n", info.TargetSdkVersion)
	fmt.Printf("debuggable:  %v\n", info.Debuggable)
	if len(info.Permissions) > 0 {
		fmt.Printf("permissions: %s\n", strings.Join(info.Permissions, ", "))
	}
	return nil
}

// verifyOutput runs the full apk verifier over the written file and prints
// the signing certificate's fingerprint.
func verifyOutput(path string) error {
	res, err := apkverifier.Verify(path, nil)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	_, cert := apkverifier.PickBestApkCert(res.SignerCerts)
	if cert == nil {
		return fmt.Errorf("no certificate found in %s", path)
	}

	fingerprint := sha256.Sum256(cert.Raw)
	fmt.Printf("verified, certificate sha256 %s\n", hex.EncodeToString(fingerprint[:]))
	return nil
}

func defaultOutputPath(input string) string {
	for _, suffix := range []string{".apks", ".apk"} {
		if strings.HasSuffix(strings.ToLower(input), suffix) {
			return input[:len(input)-len(suffix)] + "-debug.apk"
		}
	}
	return input + "-debug.apk"
}
