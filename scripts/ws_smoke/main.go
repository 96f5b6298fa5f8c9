// Command ws_smoke runs a QR login against a live server from the terminal.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/skip2/go-qrcode"

	"github.com/vovakirdan/tgrelay/internal/proto"
)

type frame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws/login", "WebSocket login address")
	token := flag.String("token", "", "API token (see `tgrelay token --user`)")
	password := flag.String("password", "", "account password, sent if the login asks for one")
	pngPath := flag.String("png", "", "also write the QR image to this file")
	timeout := flag.Duration("timeout", 2*time.Minute, "total timeout for the run")
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("-token is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr+"?token="+*token, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch f.Type {
		case proto.OutboundTypeQR:
			var qr proto.QRData
			if err := json.Unmarshal(f.Data, &qr); err != nil {
				return fmt.Errorf("unmarshal qr: %w", err)
			}
			if err := showQR(qr, *pngPath); err != nil {
				return err
			}
		case proto.OutboundTypeOutcome:
			var out proto.OutcomeData
			if err := json.Unmarshal(f.Data, &out); err != nil {
				return fmt.Errorf("unmarshal outcome: %w", err)
			}
			fmt.Printf("Outcome: status=%s relay=%s %s\n", out.Status, out.Relay, out.Reason)
			if out.Status == "password_required" {
				if *password == "" {
					return fmt.Errorf("account needs a password, rerun with -password")
				}
				payload, err := json.Marshal(proto.PasswordData{Password: *password})
				if err != nil {
					return fmt.Errorf("marshal password: %w", err)
				}
				if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypePassword, Data: payload}); err != nil {
					return fmt.Errorf("send password: %w", err)
				}
			}
		case proto.OutboundTypePassword:
			var res proto.PasswordResultData
			if err := json.Unmarshal(f.Data, &res); err != nil {
				return fmt.Errorf("unmarshal password result: %w", err)
			}
			if !res.OK {
				return fmt.Errorf("password rejected")
			}
			fmt.Printf("Password accepted: relay=%s\n", res.Relay)
		case proto.OutboundTypeError:
			if f.Error != nil {
				return fmt.Errorf("%s: %s", f.Error.Code, f.Error.Msg)
			}
			return fmt.Errorf("server error")
		default:
			fmt.Printf("Received outbound: type=%s\n", f.Type)
		}
	}
}

func showQR(qr proto.QRData, pngPath string) error {
	code, err := qrcode.New(qr.URL, qrcode.Low)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	fmt.Println(code.ToSmallString(false))
	fmt.Printf("Scan with Telegram > Settings > Devices before %s\n", time.Unix(qr.ExpiresAt, 0).Format(time.Kitchen))

	if pngPath == "" {
		return nil
	}
	png, err := base64.StdEncoding.DecodeString(qr.PNG)
	if err != nil {
		return fmt.Errorf("decode png: %w", err)
	}
	if err := os.WriteFile(pngPath, png, 0o600); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}
