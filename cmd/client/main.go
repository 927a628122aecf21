package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dledger/client"
	"dledger/config"
)

const usage = `commands:
  accounts                     list registered nodes
  balance <account>            query a balance
  history <account>            show an account's applied transactions
  transfer <from> <to> <amt>   move funds via 2PC
  init [amount]                initialize all primaries
  fail <node>                  simulate a node failure
  recover <node>               recover a failed node
  status <node>                show a node's registry entry
  help                         show this help
  exit                         quit`

func main() {
	coordinatorAddr := flag.String("coordinator", fmt.Sprintf("localhost:%d", config.DefaultCoordinatorPort), "coordinator address")
	flag.Parse()

	c := client.New(*coordinatorAddr, 10*time.Second)
	fmt.Printf("connected to coordinator at %s\n%s\n", *coordinatorAddr, usage)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "accounts":
			accounts, err := c.ListAccounts()
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, a := range accounts {
				fmt.Println(" ", a)
			}

		case "balance":
			if len(fields) != 2 {
				fmt.Println("usage: balance <account>")
				continue
			}
			res, err := c.GetBalance(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("%s: %d", res.AccountID, res.Balance)
			if res.UsedBackup {
				fmt.Print(" (served by backup)")
			}
			fmt.Println()

		case "history":
			if len(fields) != 2 {
				fmt.Println("usage: history <account>")
				continue
			}
			res, err := c.GetBalance(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if len(res.History) == 0 {
				fmt.Println("no transactions")
				continue
			}
			for _, entry := range res.History {
				fmt.Printf("  %s  %+d", entry.Timestamp.Format(time.RFC3339), entry.Amount)
				if entry.TransactionID != "" {
					fmt.Printf("  %s", entry.TransactionID)
				}
				if entry.Note != "" {
					fmt.Printf("  (%s)", entry.Note)
				}
				fmt.Println()
			}

		case "transfer":
			if len(fields) != 4 {
				fmt.Println("usage: transfer <from> <to> <amount>")
				continue
			}
			amount, err := strconv.ParseInt(fields[3], 10, 64)
			if err != nil {
				fmt.Println("invalid amount:", fields[3])
				continue
			}
			res, err := c.Transfer(fields[1], fields[2], amount)
			if err != nil {
				fmt.Println("error:", err)
				if res.TransactionID != "" {
					fmt.Println("transaction:", res.TransactionID)
				}
				continue
			}
			fmt.Printf("ok, transaction %s", res.TransactionID)
			if res.UsedBackup {
				fmt.Print(" (routed via backup)")
			}
			fmt.Println()

		case "init":
			var amount int64
			if len(fields) > 1 {
				v, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					fmt.Println("invalid amount:", fields[1])
					continue
				}
				amount = v
			}
			if err := c.InitAccounts(amount); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("ok")

		case "fail":
			if len(fields) != 2 {
				fmt.Println("usage: fail <node>")
				continue
			}
			res, err := c.SimulateFailure(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("node failed; backup=%s promoted=%v status=%s\n",
				res.BackupNode, res.BackupPromoted, res.FinalNodeStatus)

		case "recover":
			if len(fields) != 2 {
				fmt.Println("usage: recover <node>")
				continue
			}
			res, err := c.RecoverNode(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if res.Node != nil {
				fmt.Printf("recovered %s as %s\n", res.Node.NodeID, res.Node.Role)
			}
			if res.Backup != nil {
				fmt.Printf("takeover %s demoted to %s\n", res.Backup.NodeID, res.Backup.Role)
			}

		case "status":
			if len(fields) != 2 {
				fmt.Println("usage: status <node>")
				continue
			}
			st, err := c.CheckNodeStatus(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("%s: state=%s role=%s port=%d", st.NodeID, st.State, st.Role, st.Port)
			if st.BackupNode != "" {
				fmt.Printf(" backup=%s", st.BackupNode)
			}
			if st.LastHeartbeat != nil {
				fmt.Printf(" last_heartbeat=%s", st.LastHeartbeat.Format(time.RFC3339))
			}
			fmt.Println()

		case "help":
			fmt.Println(usage)

		case "exit", "quit":
			return

		default:
			fmt.Println("unknown command; try help")
		}
	}
}
