package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/presence-relay/internal/ban"
	"github.com/whisper/presence-relay/internal/config"
	"github.com/whisper/presence-relay/internal/session"
)

func runToken(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	id := fs.String("id", "", "Identity to sign for (required)")
	name := fs.String("name", "", "Display name")
	ttl := fs.Duration("ttl", 0, "Token lifetime (0 uses TOKEN_TTL)")
	fs.Parse(args)

	if *id == "" {
		fatalf("token: -id is required")
	}

	token, err := issuer(cfg).Issue(*id, *name, *ttl)
	if err != nil {
		fatalf("token: %v", err)
	}
	fmt.Println(token)
}

func runBan(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("ban", flag.ExitOnError)
	id := fs.String("id", "", "Identity to ban (required)")
	duration := fs.Duration("duration", time.Hour, "Ban duration")
	reason := fs.String("reason", "banned by operator", "Reason shown to the client")
	escalate := fs.Bool("escalate", false, "Use the offense ladder (15m, 1h, 24h) instead of -duration")
	fs.Parse(args)

	if *id == "" {
		fatalf("ban: -id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, closeFn := banStore(ctx, cfg)
	defer closeFn()

	if *escalate {
		applied, err := store.Escalate(ctx, *id, *reason)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("banned %s for %s\n", *id, applied)
		return
	}

	if err := store.Ban(ctx, *id, *duration, *reason); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("banned %s for %s\n", *id, *duration)
}

func runUnban(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("unban", flag.ExitOnError)
	id := fs.String("id", "", "Identity to unban (required)")
	fs.Parse(args)

	if *id == "" {
		fatalf("unban: -id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, closeFn := banStore(ctx, cfg)
	defer closeFn()

	if err := store.Unban(ctx, *id); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("unbanned %s\n", *id)
}

func runPresence(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	id := fs.String("id", "", "Show the mirrored record of one identity")
	server := fs.String("server", cfg.ServerName, "Relay instance to count identities for")
	fs.Parse(args)

	store, err := session.NewStore(cfg.RedisAddr, *server)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if *id != "" {
		rec, err := store.Get(ctx, *id)
		if err != nil {
			fatalf("%v", err)
		}
		if rec == nil {
			fmt.Printf("%s is offline\n", *id)
			return
		}
		fmt.Printf("%s (%s) online on %s via %s since %s\n",
			rec.Identity, rec.Name, rec.Server, rec.ConnID,
			time.Unix(rec.Since, 0).Format(time.RFC3339))
		return
	}

	n, err := store.Count(ctx, *server)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("%s: %d online\n", *server, n)
}

func banStore(ctx context.Context, cfg config.Config) (*ban.Store, func()) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		fatalf("redis %s: %v", cfg.RedisAddr, err)
	}
	return ban.NewStore(rdb), func() { rdb.Close() }
}
