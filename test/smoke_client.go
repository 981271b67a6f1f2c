package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	baseURL   = flag.String("base-url", "http://localhost:8080", "vmgate server base URL")
	email     = flag.String("email", "", "account email (default: generated)")
	password  = flag.String("password", "smoke-password-1", "account password")
	subdomain = flag.String("subdomain", "", "subdomain to request (default: generated)")
	adminKey  = flag.String("admin-key", "", "admin API key; when set the VM is deprovisioned on exit")
	wait      = flag.Duration("wait", 5*time.Minute, "how long to wait for the VM to come up")
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	flag.Parse()

	run := uuid.New().String()[:8]
	if *email == "" {
		*email = fmt.Sprintf("smoke-%s@example.com", run)
	}
	if *subdomain == "" {
		*subdomain = "smoke-" + run
	}

	log.Printf("Registering account %s against %s", *email, *baseURL)

	var reg struct {
		ID string `json:"id"`
	}
	status, err := call("POST", "/api/v1/auth/register",
		map[string]string{"email": *email, "password": *password}, "", &reg)
	if err != nil || status != http.StatusCreated {
		log.Fatalf("Register failed: status=%d err=%v", status, err)
	}

	var login struct {
		Token string `json:"token"`
	}
	status, err = call("POST", "/api/v1/auth/login",
		map[string]string{"email": *email, "password": *password}, "", &login)
	if err != nil || status != http.StatusOK {
		log.Fatalf("Login failed: status=%d err=%v", status, err)
	}

	log.Printf("Requesting VM with subdomain %s", *subdomain)

	status, err = call("POST", "/api/v1/vms",
		map[string]string{"subdomain": *subdomain}, login.Token, nil)
	if err != nil || status != http.StatusAccepted {
		log.Fatalf("Provision request failed: status=%d err=%v", status, err)
	}

	vm := waitForVM(login.Token)
	if vm.Status == "ready" {
		log.Printf("VM is ready at %s", vm.Domain)
		probeProxy(login.Token)
	} else {
		log.Printf("VM ended in status=%s last_error=%q", vm.Status, vm.LastError)
	}

	if *adminKey != "" {
		log.Printf("Deprovisioning VM for user %s", reg.ID)
		status, err = callWithKey("POST", "/api/v1/admin/vms/"+reg.ID+"/deprovision", *adminKey)
		if err != nil || status != http.StatusOK {
			log.Printf("Deprovision failed: status=%d err=%v", status, err)
		}
	}

	log.Println("Smoke client finished")
}

type vmState struct {
	Status    string `json:"status"`
	Domain    string `json:"domain"`
	LastError string `json:"last_error"`
}

func waitForVM(token string) *vmState {
	deadline := time.Now().Add(*wait)
	last := ""
	for {
		var vm vmState
		status, err := call("GET", "/api/v1/vms/me", nil, token, &vm)
		if err != nil || status != http.StatusOK {
			log.Fatalf("Status poll failed: status=%d err=%v", status, err)
		}
		if vm.Status != last {
			log.Printf("VM status: %s", vm.Status)
			last = vm.Status
		}
		if vm.Status == "ready" || vm.Status == "error" {
			return &vm
		}
		if time.Now().After(deadline) {
			log.Printf("Timed out waiting for VM, last status=%s", vm.Status)
			return &vm
		}
		time.Sleep(5 * time.Second)
	}
}

func probeProxy(token string) {
	status, err := call("GET", "/api/v1/proxy/status", nil, token, nil)
	if err != nil {
		log.Printf("Proxy probe failed: %v", err)
		return
	}
	log.Printf("Proxy probe returned status=%d", status)
}

func call(method, path string, body any, token string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, *baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func callWithKey(method, path, key string) (int, error) {
	req, err := http.NewRequest(method, *baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-API-Key", key)

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
