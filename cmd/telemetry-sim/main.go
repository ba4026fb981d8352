package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
)

type telemetryPayload struct {
	DeviceID    string  `json:"deviceId,omitempty"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Status      string  `json:"status,omitempty"`
}

// Payloads the ingester must reject, cycled through when --garbage-every is set.
var garbagePayloads = [][]byte{
	[]byte("not valid json at all"),
	[]byte(`{"temperature":999,"humidity":50}`),
	[]byte(`{"temperature":"warm","humidity":50}`),
	[]byte(`[1,2,3]`),
}

func main() {
	brokerAddr := pflag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	topic := pflag.String("topic", "hope/iot/circuit5/living-room/uno-r4/telemetry", "Telemetry topic")
	deviceID := pflag.String("device-id", "uno-r4", "Device identifier placed in the payload")
	interval := pflag.Duration("interval", 2*time.Second, "Interval between published readings")
	baseTemp := pflag.Float64("base-temp", 22, "Baseline temperature in °C")
	baseHumidity := pflag.Float64("base-humidity", 45, "Baseline relative humidity in %")
	jitter := pflag.Float64("jitter", 1.5, "Maximum random jitter applied to both values")
	alertAbove := pflag.Float64("alert-above", 30, "Report status alert above this temperature")
	garbageEvery := pflag.Int("garbage-every", 0, "Publish an invalid payload every N messages (0 disables)")

	pflag.Parse()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	clientID := fmt.Sprintf("%s-simulator-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	publish := func() {
		sent++

		var data []byte
		if *garbageEvery > 0 && sent%*garbageEvery == 0 {
			data = garbagePayloads[(sent / *garbageEvery) % len(garbagePayloads)]
		} else {
			temp := *baseTemp + (rng.Float64()*2-1)*(*jitter)
			status := "normal"
			if temp > *alertAbove {
				status = "alert"
			}
			payload := telemetryPayload{
				DeviceID:    *deviceID,
				Temperature: round1(temp),
				Humidity:    round1(*baseHumidity + (rng.Float64()*2-1)*(*jitter)),
				Status:      status,
			}

			var err error
			data, err = json.Marshal(payload)
			if err != nil {
				log.Printf("failed to encode payload: %v", err)
				return
			}
		}

		token := client.Publish(*topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s %s", *topic, data)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// round1 mirrors the one-decimal formatting of the device firmware.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
