package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-tickbridge/asyncquery"
	"github.com/joeycumines/go-tickbridge/config"
	"github.com/joeycumines/go-tickbridge/eventbridge"
	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/go-tickbridge/lifecycle"
	"github.com/joeycumines/go-tickbridge/scheduler"
	"github.com/joeycumines/go-tickbridge/tickclock"
	"github.com/joeycumines/logiface"
)

type (
	sim struct {
		server   *host.Server
		sched    *scheduler.Dual
		bridge   *eventbridge.Bridge
		requests *lifecycle.Registry[string, teleport]
		homes    *asyncquery.Runner[string, string]
		logger   *logiface.Logger[logiface.Event]
		quits    *eventbridge.Stream[*host.PlayerQuitEvent]
		// tick thread only
		rng     *rand.Rand
		online  map[string]bool
		players []string
		stats   stats
		ticks   int
		rate    tickclock.Rate
		// realtime is true when the server ticks on its own
		realtime bool
	}

	// teleport is a request by From, to teleport to To, keyed by To.
	teleport struct {
		From string
		To   string
		ID   uuid.UUID
	}

	stats struct {
		outcomes    [lifecycle.Replaced + 1]atomic.Int64
		opened      atomic.Int64
		rateLimited atomic.Int64
		teleported  atomic.Int64
		chats       atomic.Int64
	}

	summary struct {
		outcomes    map[lifecycle.Outcome]int64
		ticks       int
		opened      int64
		rateLimited int64
		teleported  int64
		chats       int64
		pending     int
	}
)

func newSim(cfg config.Config, logger *logiface.Logger[logiface.Event], opts *options) (*sim, error) {
	hostOpts := cfg.HostOptions(logger)
	if !opts.realtime {
		hostOpts = append(hostOpts, host.WithManualTicks())
	}
	server, err := host.New(hostOpts...)
	if err != nil {
		return nil, err
	}

	x := &sim{
		server:   server,
		logger:   logger,
		rng:      rand.New(rand.NewPCG(opts.seed, opts.seed)),
		online:   make(map[string]bool),
		ticks:    opts.ticks,
		rate:     server.TickRate(),
		realtime: opts.realtime,
	}
	for i := range opts.players {
		x.players = append(x.players, fmt.Sprintf(`player%d`, i+1))
	}

	x.sched = scheduler.New(server, cfg.SchedulerOptions(logger)...)
	x.bridge = eventbridge.New(server, x.sched.Tick, eventbridge.WithLogger(logger))
	x.requests = lifecycle.New[string, teleport](
		x.sched.Tick,
		append(cfg.LifecycleOptions(logger), lifecycle.WithCloseOnShutdown(server))...,
	)
	x.homes = asyncquery.New(x.sched, asyncquery.Single(lookupHome), cfg.QueryOptions(logger)...)
	x.quits = eventbridge.Listen[*host.PlayerQuitEvent](x.bridge, host.EventPlayerQuit)

	return x, nil
}

// lookupHome stands in for a storage query.
func lookupHome(ctx context.Context, player string) (string, error) {
	if err := ctx.Err(); err != nil {
		return ``, err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(player))
	v := h.Sum32()
	return fmt.Sprintf(`world:%d,%d`, int(v%2000)-1000, int((v/2000)%2000)-1000), nil
}

func (x *sim) run(ctx context.Context) (*summary, error) {
	// wired on the tick thread, so registration is synchronous
	if _, err := x.server.Post(host.Main, x.start); err != nil {
		return nil, err
	}

	var runErr error
	if x.realtime {
		ctx, cancel := context.WithTimeout(ctx, x.rate.Duration(tickclock.Tick(x.ticks)))
		defer cancel()
		if err := x.server.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	} else {
		for done := 0; done < x.ticks; {
			if err := ctx.Err(); err != nil {
				break
			}
			n := min(x.ticks-done, int(x.rate))
			if err := x.server.Step(n); err != nil {
				runErr = err
				break
			}
			done += n
		}
	}

	pending := x.requests.Pending()
	if err := x.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return nil, runErr
	}

	s := &summary{
		ticks:       int(x.server.CurrentTick()),
		opened:      x.stats.opened.Load(),
		rateLimited: x.stats.rateLimited.Load(),
		teleported:  x.stats.teleported.Load(),
		chats:       x.stats.chats.Load(),
		pending:     pending,
		outcomes:    make(map[lifecycle.Outcome]int64),
	}
	for o := lifecycle.Accepted; o <= lifecycle.Replaced; o++ {
		s.outcomes[o] = x.stats.outcomes[o].Load()
	}
	return s, nil
}

func (x *sim) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	var err error
	if e := x.server.Shutdown(ctx); e != nil && !errors.Is(e, host.ErrTerminated) {
		err = e
	}
	if e := x.homes.Shutdown(ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// start runs on the tick thread.
func (x *sim) start() {
	joins := eventbridge.Listen[*host.PlayerJoinEvent](x.bridge, host.EventPlayerJoin, eventbridge.WithPriority(host.PriorityMonitor))
	joins.Subscribe(eventbridge.Observer[*host.PlayerJoinEvent]{
		Next: func(event *host.PlayerJoinEvent) error {
			x.logger.Info().Str(`player`, event.Player).Log(`player joined`)
			return nil
		},
	})

	chats := eventbridge.Listen[*host.ChatEvent](x.bridge, host.EventChat, eventbridge.WithPriority(host.PriorityLow))
	chats.Subscribe(eventbridge.Observer[*host.ChatEvent]{Next: x.onCommand})

	broadcast := eventbridge.Listen[*host.ChatEvent](x.bridge, host.EventChat,
		eventbridge.WithPriority(host.PriorityMonitor),
		eventbridge.WithIgnoreCancelled(true),
	)
	broadcast.Subscribe(eventbridge.Observer[*host.ChatEvent]{
		Next: func(event *host.ChatEvent) error {
			x.stats.chats.Add(1)
			return nil
		},
	})

	for _, player := range x.players {
		x.join(player)
	}

	x.sched.Tick.SchedulePeriodic(x.behave, x.rate.Interval(), x.rate.Interval())
}

func (x *sim) join(player string) {
	x.online[player] = true
	x.fire(&host.PlayerJoinEvent{Player: player})
}

func (x *sim) quit(player string) {
	delete(x.online, player)
	x.fire(&host.PlayerQuitEvent{Player: player, Reason: `disconnected`})
}

func (x *sim) fire(event host.Event) {
	if err := x.server.Fire(event); err != nil {
		x.logger.Err().Err(err).Log(`fire failed`)
	}
}

func (x *sim) randomOnline(exclude string) (string, bool) {
	var candidates []string
	for _, player := range x.players {
		if x.online[player] && player != exclude {
			candidates = append(candidates, player)
		}
	}
	if len(candidates) == 0 {
		return ``, false
	}
	return candidates[x.rng.IntN(len(candidates))], true
}

// behave is run once per tick, on the tick thread, simulating the players.
func (x *sim) behave() {
	switch roll := x.rng.IntN(100); {
	case roll < 4:
		var offline []string
		for _, player := range x.players {
			if !x.online[player] {
				offline = append(offline, player)
			}
		}
		if len(offline) != 0 {
			x.join(offline[x.rng.IntN(len(offline))])
		}

	case roll < 7:
		if player, ok := x.randomOnline(``); ok {
			x.quit(player)
		}

	case roll < 22:
		from, ok := x.randomOnline(``)
		if !ok {
			return
		}
		if to, ok := x.randomOnline(from); ok {
			x.request(from, to)
		}

	case roll < 40:
		player, ok := x.randomOnline(``)
		if !ok || !x.requests.Has(player) {
			return
		}
		message := `/tpaccept`
		if x.rng.IntN(3) == 0 {
			message = `/tpdeny`
		}
		x.fire(&host.ChatEvent{Player: player, Message: message})

	case roll < 50:
		if player, ok := x.randomOnline(``); ok {
			x.fire(&host.ChatEvent{Player: player, Message: `hello`})
		}
	}
}

func (x *sim) request(from, to string) {
	req := teleport{ID: uuid.New(), From: from, To: to}
	err := x.requests.Open(to, lifecycle.Request[teleport]{
		Value:     req,
		Requester: from,
		Signal: lifecycle.EventSignal(x.quits, func(event *host.PlayerQuitEvent) bool {
			return event.Player == from || event.Player == to
		}),
		OnAccept:  x.onAccept,
		OnOutcome: x.onOutcome,
	})
	if err != nil {
		x.stats.rateLimited.Add(1)
		x.logger.Debug().
			Err(err).
			Str(`from`, from).
			Str(`to`, to).
			Log(`teleport request refused`)
		return
	}
	x.stats.opened.Add(1)
	x.logger.Info().
		Str(`request`, req.ID.String()).
		Str(`from`, from).
		Str(`to`, to).
		Log(`teleport requested`)
}

// onCommand handles chat commands, cancelling the chat event.
func (x *sim) onCommand(event *host.ChatEvent) error {
	switch event.Message {
	case `/tpaccept`:
		x.requests.Accept(event.Player)
	case `/tpdeny`:
		x.requests.Decline(event.Player)
	default:
		return nil
	}
	event.SetCancelled(true)
	return nil
}

func (x *sim) onAccept(req teleport) {
	x.homes.Submit(req.To, func(location string, err error) {
		if err != nil {
			x.logger.Warning().
				Err(err).
				Str(`request`, req.ID.String()).
				Log(`teleport failed`)
			return
		}
		if !x.online[req.From] {
			return
		}
		x.stats.teleported.Add(1)
		x.logger.Info().
			Str(`request`, req.ID.String()).
			Str(`player`, req.From).
			Str(`location`, location).
			Log(`teleported`)
	})
}

func (x *sim) onOutcome(req teleport, outcome lifecycle.Outcome) {
	x.stats.outcomes[outcome].Add(1)
	x.logger.Debug().
		Str(`request`, req.ID.String()).
		Stringer(`outcome`, outcome).
		Log(`teleport request finished`)
}

func (x *summary) finished() (n int64) {
	for _, v := range x.outcomes {
		n += v
	}
	return n
}

func (x *summary) write(w io.Writer) error {
	outcomes := make([]lifecycle.Outcome, 0, len(x.outcomes))
	for o := range x.outcomes {
		outcomes = append(outcomes, o)
	}
	slices.Sort(outcomes)

	_, err := fmt.Fprintf(w, "ticks: %d\nrequests opened: %d\nrequests rate limited: %d\n", x.ticks, x.opened, x.rateLimited)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if _, err := fmt.Fprintf(w, "  %s: %d\n", o, x.outcomes[o]); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "pending at shutdown: %d\nteleported: %d\nchat messages: %d\n", x.pending, x.teleported, x.chats)
	return err
}
