package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/keyquorum/recovery-backend/access"
	"github.com/keyquorum/recovery-backend/api/ownerhandler"
	"github.com/keyquorum/recovery-backend/biometry"
	"github.com/keyquorum/recovery-backend/common"
	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
	"github.com/keyquorum/recovery-backend/policy"
	"github.com/keyquorum/recovery-backend/session"
	"github.com/keyquorum/recovery-backend/storage"
)

// deviceFile is the locally persisted owner device identity: the device key
// pair and the server-issued entropy.
type deviceFile struct {
	PublicKey  cryptoutils.PublicKey  `json:"publicKey"`
	PrivateKey cryptoutils.PrivateKey `json:"privateKey"`
	Entropy    cryptoutils.Entropy    `json:"entropy,omitempty"`
}

func loadDevice(path string) (deviceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return deviceFile{}, err
	}
	var device deviceFile
	if err := json.Unmarshal(data, &device); err != nil {
		return deviceFile{}, fmt.Errorf("malformed device file %s: %w", path, err)
	}
	return device, nil
}

func saveDevice(path string, device deviceFile) error {
	data, err := json.MarshalIndent(device, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// loadOrCreateDevice reads the device file, generating a fresh key pair on
// first use.
func loadOrCreateDevice(path string) (deviceFile, error) {
	device, err := loadDevice(path)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return deviceFile{}, err
	}

	keyPair, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return deviceFile{}, err
	}
	device = deviceFile{PublicKey: keyPair.Public, PrivateKey: keyPair.Private}
	if err := saveDevice(path, device); err != nil {
		return deviceFile{}, err
	}
	return device, nil
}

type clientContext struct {
	controller *session.Controller
	device     deviceFile
	keyFile    string
}

func newClientContext(cCtx *cli.Context) (*clientContext, error) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    false,
		Service: "ownerctl",
		Version: common.Version,
	})

	keyFile := cCtx.String("key-file")
	device, err := loadOrCreateDevice(keyFile)
	if err != nil {
		return nil, err
	}

	keyStore, err := storage.StoreFromURI(cCtx.String("storage-uri"), logger)
	if err != nil {
		return nil, err
	}

	client := ownerhandler.NewClient(cCtx.String("server-url"))
	deviceKey := cryptoutils.KeyPair{Public: device.PublicKey, Private: device.PrivateKey}
	policies := policy.NewEngine(client, deviceKey, logger)
	provider := biometry.NewStaticProvider(interfaces.FacetecBiometry{
		FaceScan: []byte("ownerctl-liveness"),
	})
	orchestrator := access.NewOrchestrator(client, provider, keyStore, policies, deviceKey, logger)

	return &clientContext{
		controller: session.NewController(client, policies, orchestrator, logger),
		device:     device,
		keyFile:    keyFile,
	}, nil
}

// entropy returns the locally recorded entropy, fetching and persisting it
// from the Initial owner state if needed.
func (c *clientContext) entropy(cCtx *cli.Context) (cryptoutils.Entropy, error) {
	if c.device.Entropy != "" {
		return c.device.Entropy, nil
	}

	state, err := c.controller.Register(cCtx.Context)
	if err != nil {
		return "", err
	}
	initial, ok := state.(interfaces.OwnerStateInitial)
	if !ok {
		return "", errors.New("entropy not on file and owner already has a policy")
	}

	c.device.Entropy = initial.Entropy
	if err := saveDevice(c.keyFile, c.device); err != nil {
		return "", err
	}
	return c.device.Entropy, nil
}

func printState(state interfaces.OwnerState) error {
	encoded, err := interfaces.MarshalOwnerState(state)
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "server-url",
		Value: "http://127.0.0.1:8080",
		Usage: "base URL of the recovery authority",
	},
	&cli.StringFlag{
		Name:  "key-file",
		Value: "owner-device.json",
		Usage: "path to the owner device key file",
	},
	&cli.StringFlag{
		Name:  "storage-uri",
		Value: "file://.ownerctl-keys",
		Usage: "key blob store URI for owner key redundancy",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
}

func main() {
	app := &cli.App{
		Name:  "ownerctl",
		Usage: "Owner-side CLI for the seed phrase recovery protocol",
		Flags: globalFlags,
		Commands: []*cli.Command{
			{
				Name:  "register",
				Usage: "register this device with the authority",
				Action: func(cCtx *cli.Context) error {
					c, err := newClientContext(cCtx)
					if err != nil {
						return err
					}
					state, err := c.controller.Register(cCtx.Context)
					if err != nil {
						return err
					}
					return printState(state)
				},
			},
			{
				Name:  "state",
				Usage: "print the canonical owner state",
				Action: func(cCtx *cli.Context) error {
					c, err := newClientContext(cCtx)
					if err != nil {
						return err
					}
					state, err := c.controller.Refresh(cCtx.Context)
					if err != nil {
						return err
					}
					return printState(state)
				},
			},
			{
				Name:  "create-policy",
				Usage: "commit the initial owner-only policy",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "label", Value: "Owner", Usage: "label for the owner approver"},
				},
				Action: func(cCtx *cli.Context) error {
					c, err := newClientContext(cCtx)
					if err != nil {
						return err
					}
					entropy, err := c.entropy(cCtx)
					if err != nil {
						return err
					}
					state, err := c.controller.Policies.CreateFirstPolicy(cCtx.Context, entropy, cCtx.String("label"))
					if err != nil {
						return err
					}
					return printState(state)
				},
			},
			{
				Name:  "store-phrase",
				Usage: "encrypt and store a seed phrase in the vault",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "label", Required: true, Usage: "label for the phrase"},
					&cli.StringFlag{Name: "phrase", Required: true, Usage: "the seed phrase"},
				},
				Action: func(cCtx *cli.Context) error {
					c, err := newClientContext(cCtx)
					if err != nil {
						return err
					}
					if _, err := c.controller.Refresh(cCtx.Context); err != nil {
						return err
					}
					state, err := c.controller.StoreSeedPhrase(cCtx.Context, cCtx.String("label"), cCtx.String("phrase"))
					if err != nil {
						return err
					}
					return printState(state)
				},
			},
			{
				Name:  "set-timelock",
				Usage: "set the access timelock",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "seconds", Required: true, Usage: "timelock in seconds"},
				},
				Action: func(cCtx *cli.Context) error {
					c, err := newClientContext(cCtx)
					if err != nil {
						return err
					}
					state, err := c.controller.SetTimelock(cCtx.Context, interfaces.TimelockSetting{
						CurrentTimelock: time.Duration(cCtx.Int64("seconds")) * time.Second,
					})
					if err != nil {
						return err
					}
					return printState(state)
				},
			},
			{
				Name:  "access-init",
				Usage: "initiate an access request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "intent", Value: string(interfaces.IntentAccessPhrases), Usage: "AccessPhrases, ReplacePolicy, or RecoverOwnerKey"},
				},
				Action: func(cCtx *cli.Context) error {
					c, err := newClientContext(cCtx)
					if err != nil {
						return err
					}
					state, err := c.controller.Access.InitiateAccess(cCtx.Context, interfaces.AccessIntent(cCtx.String("intent")))
					if err != nil {
						return err
					}
					return printState(state)
				},
			},
			{
				Name:  "access-cancel",
				Usage: "cancel the in-flight access request",
				Action: func(cCtx *cli.Context) error {
					c, err := newClientContext(cCtx)
					if err != nil {
						return err
					}
					state, err := c.controller.Access.CancelAccess(cCtx.Context)
					if err != nil {
						return err
					}
					return printState(state)
				},
			},
			{
				Name:  "access-phrases",
				Usage: "complete an AccessPhrases access and print the vault",
				Action: func(cCtx *cli.Context) error {
					c, err := newClientContext(cCtx)
					if err != nil {
						return err
					}
					state, err := c.controller.Refresh(cCtx.Context)
					if err != nil {
						return err
					}
					ready, ok := state.(interfaces.OwnerStateReady)
					if !ok {
						return interfaces.ErrNoPolicy
					}

					phrases, _, err := c.controller.Access.AccessPhrases(cCtx.Context, ready)
					if err != nil {
						return err
					}
					for _, phrase := range phrases {
						fmt.Printf("%s\t%s\n", phrase.Label, phrase.Phrase)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
