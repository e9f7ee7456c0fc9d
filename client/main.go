// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/logrusorgru/aurora"
	. "github.com/synccoin/synccoin"
	"golang.org/x/crypto/ed25519"
)

// A peer node in the cruzbit network
func main() {
	rand.Seed(time.Now().UnixNano())

	// flags
	pubKeyPtr := flag.String("pubkey", "", "A public key which receives newly mined block rewards")
	dataDirPtr := flag.String("datadir", "", "Path to a directory to save block chain data")
	memoPtr := flag.String("memo", "", "A memo to include in newly mined blocks")
	portPtr := flag.Int("port", DEFAULT_CRUZBIT_PORT, "Port to listen for incoming peer connections")
	peerPtr := flag.String("peer", "", "Address of a peer to connect to")
	upnpPtr := flag.Bool("upnp", false, "Attempt to forward the cruzbit port on your router with UPnP")
	dnsSeedPtr := flag.Bool("dnsseed", false, "Run a DNS server to allow others to find peers")
	compressPtr := flag.Bool("compress", false, "Compress blocks on disk with lz4")
	numMinersPtr := flag.Int("numminers", 1, "Number of miners to run")
	noIrcPtr := flag.Bool("noirc", false, "Disable use of IRC for peer discovery")
	noAcceptPtr := flag.Bool("noaccept", false, "Disable inbound peer connections")
	prunePtr := flag.Bool("prune", false, "Prune transaction and public key transaction indices")
	keyFilePtr := flag.String("keyfile", "", "Path to a file containing public keys to use when mining")
	tlsCertPtr := flag.String("tlscert", "", "Path to a file containing a PEM-encoded X.509 certificate to use with TLS")
	tlsKeyPtr := flag.String("tlskey", "", "Path to a file containing a PEM-encoded EC key to use with TLS")
	inLimitPtr := flag.Int("inlimit", MAX_INBOUND_PEER_CONNECTIONS, "Limit for the number of inbound peer connections.")
	checkpointKeyPtr := flag.String("checkpointkey", "", "WIF-encoded checkpoint master private key. Installing this makes this node the checkpoint master")
	checkpointDepthPtr := flag.Int("checkpointdepth", -1, "How many blocks automatically selected checkpoints should lag the tip by. Negative disables auto-selection")
	checkpointEnforcePtr := flag.Bool("checkpointenforce", true, "Reorganize onto the accepted synchronized checkpoint when it isn't on the main chain")
	flag.Parse()

	if len(*dataDirPtr) == 0 {
		log.Fatal("-datadir argument required")
	}
	if len(*tlsCertPtr) != 0 && len(*tlsKeyPtr) == 0 {
		log.Fatal("-tlskey argument missing")
	}
	if len(*tlsCertPtr) == 0 && len(*tlsKeyPtr) != 0 {
		log.Fatal("-tlscert argument missing")
	}

	var pubKeys []ed25519.PublicKey
	if *numMinersPtr > 0 {
		if len(*pubKeyPtr) == 0 && len(*keyFilePtr) == 0 {
			log.Fatal("-pubkey or -keyfile argument required to receive newly mined block rewards")
		}
		if len(*pubKeyPtr) != 0 && len(*keyFilePtr) != 0 {
			log.Fatal("Specify only one of -pubkey or -keyfile but not both")
		}
		var err error
		pubKeys, err = loadPublicKeys(*pubKeyPtr, *keyFilePtr)
		if err != nil {
			log.Fatal(err)
		}
	}

	// load genesis block
	genesisBlock := new(Block)
	if err := json.Unmarshal([]byte(GenesisBlockJson), genesisBlock); err != nil {
		log.Fatal(err)
	}

	genesisID, err := genesisBlock.ID()
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Starting up...")
	log.Printf("Genesis block ID: %s\n", genesisID)

	// instantiate storage
	blockStore, err := NewBlockStorageDisk(
		filepath.Join(*dataDirPtr, "blocks"),
		filepath.Join(*dataDirPtr, "headers.db"),
		false, // not read-only
		*compressPtr,
	)
	if err != nil {
		log.Fatal(err)
	}

	// instantiate the ledger
	ledger, err := NewLedgerDisk(filepath.Join(*dataDirPtr, "ledger.db"),
		false, // not read-only
		*prunePtr,
		blockStore)
	if err != nil {
		blockStore.Close()
		log.Fatal(err)
	}

	// instantiate peer storage
	peerStore, err := NewPeerStorageDisk(filepath.Join(*dataDirPtr, "peers.db"))
	if err != nil {
		ledger.Close()
		blockStore.Close()
		log.Fatal(err)
	}

	// instantiate the transaction queue
	txQueue := NewTransactionQueueMemory(ledger)

	// create and run the processor
	processor := NewProcessor(genesisID, blockStore, txQueue, ledger)

	// wire in the synchronized checkpoint engine before the processor starts
	// accepting blocks, so CheckSyncCheckpoint is in effect from block 1.
	checkpoints := NewSyncCheckpoints(genesisID, blockStore, blockStore, processor, processor, *checkpointEnforcePtr)
	processor.SetCheckpoints(checkpoints)

	processor.Run()

	// process the genesis block
	if err := processor.ProcessBlock(genesisID, genesisBlock, ""); err != nil {
		processor.Shutdown()
		peerStore.Close()
		ledger.Close()
		blockStore.Close()
		log.Fatal(err)
	}

	// verify the checkpoint master key baked into this binary against the
	// last one this database saw, resetting to the latest hardened
	// checkpoint on any mismatch (including a brand new database).
	if err := checkpoints.CheckCheckpointPubKey(); err != nil {
		processor.Shutdown()
		peerStore.Close()
		ledger.Close()
		blockStore.Close()
		log.Fatal(err)
	}

	if len(*checkpointKeyPtr) != 0 {
		if err := checkpoints.InstallMasterPrivateKey(*checkpointKeyPtr); err != nil {
			processor.Shutdown()
			peerStore.Close()
			ledger.Close()
			blockStore.Close()
			log.Fatal(err)
		}
		log.Println("This node is the checkpoint master")
	}

	var miners []*Miner
	var hashrateMonitor *HashrateMonitor
	if *numMinersPtr > 0 {
		hashUpdateChan := make(chan int64, *numMinersPtr)
		// create and run miners
		for i := 0; i < *numMinersPtr; i++ {
			miner := NewMiner(pubKeys, *memoPtr, blockStore, txQueue, ledger, processor, hashUpdateChan, i)
			miners = append(miners, miner)
			miner.Run()
		}
		// print hashrate updates
		hashrateMonitor = NewHashrateMonitor(hashUpdateChan)
		hashrateMonitor.Run()
	} else {
		log.Println("Mining is currently disabled")
	}

	// start a dns server
	var seeder *DNSSeeder
	if *dnsSeedPtr {
		seeder = NewDNSSeeder(peerStore, *portPtr)
		seeder.Run()
	}

	// enable port forwarding (accept must also be enabled)
	var myExternalIP string
	if *upnpPtr == true && *noAcceptPtr == false {
		log.Printf("Enabling forwarding for port %d...\n", *portPtr)
		var ok bool
		var err error
		if myExternalIP, ok, err = HandlePortForward(uint16(*portPtr), true); err != nil || !ok {
			log.Printf("Failed to enable forwarding: %s\n", err)
		} else {
			log.Println("Successfully enabled forwarding")
		}
	}

	// manage peer connections
	peerManager := NewPeerManager(genesisID, peerStore, blockStore, ledger, processor, txQueue,
		*dataDirPtr, myExternalIP, *peerPtr, *tlsCertPtr, *tlsKeyPtr,
		*portPtr, *inLimitPtr, !*noAcceptPtr, !*noIrcPtr, *dnsSeedPtr)
	peerManager.Run()

	// if this node is the checkpoint master and auto-selection is enabled,
	// sign and broadcast a new checkpoint every time the tip advances.
	stopAutoSelect := make(chan struct{})
	if len(*checkpointKeyPtr) != 0 && *checkpointDepthPtr >= 0 {
		go runCheckpointAutoSelect(processor, checkpoints, int64(*checkpointDepthPtr), stopAutoSelect)
	}

	// run the local console for inspecting and driving the checkpoint engine
	go runCheckpointConsole(checkpoints)

	// shutdown on ctrl-c
	c := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(c, os.Interrupt)

	go func() {
		defer close(done)
		<-c

		log.Println("Shutting down...")

		if len(myExternalIP) != 0 {
			// disable port forwarding
			log.Printf("Disabling forwarding for port %d...", *portPtr)
			if _, ok, err := HandlePortForward(uint16(*portPtr), false); err != nil || !ok {
				log.Printf("Failed to disable forwarding: %s", err)
			} else {
				log.Println("Successfully disabled forwarding")
			}
		}

		// shut everything down now
		close(stopAutoSelect)
		peerManager.Shutdown()
		if seeder != nil {
			seeder.Shutdown()
		}
		for _, miner := range miners {
			miner.Shutdown()
		}
		if hashrateMonitor != nil {
			hashrateMonitor.Shutdown()
		}
		processor.Shutdown()

		// close storage
		if err := peerStore.Close(); err != nil {
			log.Println(err)
		}
		if err := ledger.Close(); err != nil {
			log.Println(err)
		}
		if err := blockStore.Close(); err != nil {
			log.Println(err)
		}
	}()

	log.Println("Client started")
	<-done
	log.Println("Exiting")
}

func loadPublicKeys(pubKeyEncoded, keyFile string) ([]ed25519.PublicKey, error) {
	var pubKeysEncoded []string
	var pubKeys []ed25519.PublicKey

	if len(pubKeyEncoded) != 0 {
		pubKeysEncoded = append(pubKeysEncoded, pubKeyEncoded)
	} else {
		file, err := os.Open(keyFile)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			pubKeysEncoded = append(pubKeysEncoded, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		if len(pubKeysEncoded) == 0 {
			return nil, fmt.Errorf("No public keys found in '%s'", keyFile)
		}
	}

	for _, pubKeyEncoded = range pubKeysEncoded {
		pubKeyBytes, err := base64.StdEncoding.DecodeString(pubKeyEncoded)
		if len(pubKeyBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("Invalid public key: %s\n", pubKeyEncoded)
		}
		if err != nil {
			return nil, err
		}
		pubKeys = append(pubKeys, ed25519.PublicKey(pubKeyBytes))
	}
	return pubKeys, nil
}

// runCheckpointAutoSelect signs and broadcasts a new synchronized checkpoint
// every time the best chain's tip advances, selecting a block depth blocks
// behind the new tip. Only run when this node is the checkpoint master and
// -checkpointdepth is non-negative.
func runCheckpointAutoSelect(processor *Processor, checkpoints *SyncCheckpoints, depth int64, stop <-chan struct{}) {
	tipChangeChan := make(chan TipChange, 1)
	processor.RegisterForTipChange(tipChangeChan)
	defer processor.UnregisterForTipChange(tipChangeChan)

	for {
		select {
		case <-stop:
			return
		case tip := <-tipChangeChan:
			if !tip.Connect || tip.More {
				continue
			}
			selected, err := checkpoints.AutoSelect(tip.BlockID, depth)
			if err != nil {
				log.Printf("Error auto-selecting checkpoint: %s\n", err)
				continue
			}
			if _, err := checkpoints.Broadcast(selected); err != nil {
				log.Printf("Error broadcasting auto-selected checkpoint %s: %s\n", selected, err)
			}
		}
	}
}

// runCheckpointConsole runs an interactive console, similar to the wallet's,
// exposing getcheckpoint/sendcheckpoint/enforcecheckpoint against this
// node's checkpoint engine directly.
func runCheckpointConsole(checkpoints *SyncCheckpoints) {
	completer := func(d prompt.Document) []prompt.Suggest {
		s := []prompt.Suggest{
			{Text: "getcheckpoint", Description: "Show info of the synchronized checkpoint"},
			{Text: "sendcheckpoint", Description: "Sign and broadcast a new synchronized checkpoint"},
			{Text: "enforcecheckpoint", Description: "Enable or disable enforcement of the synchronized checkpoint"},
		}
		return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		cmd := prompt.Input("checkpoint> ", completer)
		switch strings.TrimSpace(cmd) {
		case "getcheckpoint":
			info, err := checkpoints.Info()
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			printCheckpointInfo(info)

		case "sendcheckpoint":
			id, err := promptForBlockID("Block hash: ", reader)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if _, err := checkpoints.Broadcast(id); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			info, err := checkpoints.Info()
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			printCheckpointInfo(info)

		case "enforcecheckpoint":
			enforce, err := promptForBool("Enforce (true/false): ", reader)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if err := checkpoints.SetEnforce(enforce); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}

		case "":
			// ignore blank lines

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

func printCheckpointInfo(info CheckpointInfo) {
	fmt.Printf("synccheckpoint: %s\n", aurora.Bold(info.SyncCheckpoint.String()))
	if info.HasHeight {
		fmt.Printf("height: %d\n", info.Height)
		fmt.Printf("timestamp: %d\n", info.Timestamp)
	}
	mode := "advisory"
	if info.Enforce {
		mode = "enforce"
	}
	fmt.Printf("subscribemode: %s\n", mode)
	if info.CheckpointMaster {
		fmt.Printf("checkpointmaster: true\n")
	}
}

func promptForBlockID(prompt string, reader *bufio.Reader) (BlockID, error) {
	fmt.Print(prompt)
	text, err := reader.ReadString('\n')
	if err != nil {
		return BlockID{}, err
	}
	text = strings.TrimSpace(text)
	idBytes, err := hex.DecodeString(text)
	if err != nil {
		return BlockID{}, err
	}
	var id BlockID
	if len(idBytes) != len(id) {
		return id, fmt.Errorf("Invalid block hash length %d", len(idBytes))
	}
	copy(id[:], idBytes)
	return id, nil
}

func promptForBool(prompt string, reader *bufio.Reader) (bool, error) {
	fmt.Print(prompt)
	text, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(text))
}
