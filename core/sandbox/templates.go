package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Built-in template names
const (
	TemplateBasic = "basic"
	TemplateLogin = "login"
	TemplateSteps = "steps"
)

var templates = map[string]Template{
	TemplateBasic: TemplateFunc(runBasic),
	TemplateLogin: TemplateFunc(runLogin),
	TemplateSteps: TemplateFunc(runSteps),
}

// LookupTemplate returns the template registered under name
func LookupTemplate(name string) (Template, error) {
	t, ok := templates[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTemplate, "%q", name)
	}
	return t, nil
}

// TemplateNames lists the registered templates
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runBasic navigates to the target, asserts a title, checks internal links
// and fills (never submits) any form on the page.
func runBasic(ctx context.Context, sc *ScriptContext) (*Result, error) {
	res := &Result{}

	sc.Logger.Infof("Navigating to %s", sc.Target.URL)
	if err := sc.Page.Navigate(ctx, sc.Target.URL); err != nil {
		return res, errors.Wrapf(err, "navigate to %s", sc.Target.URL)
	}

	title, err := sc.Page.Title(ctx)
	if err != nil {
		return res, errors.Wrap(err, "read page title")
	}
	sc.Logger.Infof("Page title: %s", title)
	res.Title = title
	res.Assert(title != "")

	links, err := sc.Page.Links(ctx)
	if err != nil {
		return res, errors.Wrap(err, "collect links")
	}
	internal := InternalLinks(sc.Target.URL, links)
	sc.Logger.Infof("Found %d internal links", len(internal))
	res.BrokenLinks = sc.Links.Check(ctx, internal, sc.Limits.MaxLinksToCheck, sc.Logger)

	forms, err := sc.Page.FillForms(ctx)
	switch {
	case err != nil:
		sc.Logger.Errorf("Error interacting with form: %v", err)
	case forms > 0:
		sc.Logger.Infof("Form detected, %d form(s) filled with test data", forms)
	}

	return res, nil
}

// runLogin fills a login form with the credentials from params, submits it
// and checks that the login succeeded.
func runLogin(ctx context.Context, sc *ScriptContext) (*Result, error) {
	res := &Result{}

	loginURL := sc.Param("login_url", sc.Target.URL)
	usernameSel := sc.Param("username_selector", `input[type="email"], input[name="email"], input[name="username"]`)
	passwordSel := sc.Param("password_selector", `input[type="password"], input[name="password"]`)
	submitSel := sc.Param("submit_selector", `button[type="submit"], input[type="submit"]`)
	successSel := sc.Param("success_selector", "")
	username := sc.Param("username", "")
	password := sc.Param("password", "")
	wait, err := time.ParseDuration(sc.Param("wait_timeout", "5s"))
	if err != nil {
		return res, errors.Wrap(err, "invalid wait_timeout")
	}

	if username == "" || password == "" {
		return res, errors.New("login template requires username and password params")
	}

	sc.Logger.Infof("Navigating to login page: %s", loginURL)
	if err := sc.Page.Navigate(ctx, loginURL); err != nil {
		return res, errors.Wrapf(err, "navigate to %s", loginURL)
	}

	sc.Logger.Infof("Waiting for login form")
	for _, sel := range []string{usernameSel, passwordSel, submitSel} {
		if err := waitVisible(ctx, sc.Page, sel, 0); err != nil {
			return res, errors.Wrapf(err, "wait for %s", sel)
		}
	}

	sc.Logger.Infof("Filling login form")
	if err := sc.Page.Fill(ctx, usernameSel, username); err != nil {
		return res, errors.Wrap(err, "fill username")
	}
	if err := sc.Page.Fill(ctx, passwordSel, password); err != nil {
		return res, errors.Wrap(err, "fill password")
	}

	before, _ := sc.Page.URL(ctx)
	sc.Logger.Infof("Submitting login form")
	if err := sc.Page.Click(ctx, submitSel); err != nil {
		return res, errors.Wrap(err, "submit login form")
	}

	var success bool
	if successSel != "" {
		if err := waitVisible(ctx, sc.Page, successSel, wait); err != nil {
			sc.Logger.Errorf("Login failed: success selector not found - %v", err)
		} else {
			success = true
			sc.Logger.Infof("Login successful")
		}
	} else {
		current := waitForURLChange(ctx, sc.Page, before, wait)
		success = current != "" && current != before && current != loginURL
		sc.Logger.Infof("Login result: success=%t - current URL: %s", success, current)
	}
	res.Assert(success)

	if title, err := sc.Page.Title(ctx); err == nil {
		res.Title = title
	}
	return res, nil
}

// runSteps executes a declarative list of steps. Action steps abort the
// script on error, assertion steps only count.
func runSteps(ctx context.Context, sc *ScriptContext) (*Result, error) {
	res := &Result{}
	linkBudget := sc.Limits.MaxLinksToCheck

	for i, step := range sc.Script.Steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		label := stepLabel(i, step)

		switch step.Action {
		case ActionGoto:
			target := step.URL
			if target == "" {
				target = sc.Target.URL
			}
			sc.Logger.Infof("%s: navigating to %s", label, target)
			if err := sc.Page.Navigate(ctx, target); err != nil {
				return res, errors.Wrapf(err, "%s", label)
			}

		case ActionWait:
			if err := waitVisible(ctx, sc.Page, step.Selector, step.Timeout); err != nil {
				return res, errors.Wrapf(err, "%s", label)
			}

		case ActionFill:
			if err := sc.Page.Fill(ctx, step.Selector, step.Value); err != nil {
				return res, errors.Wrapf(err, "%s", label)
			}

		case ActionClick:
			if err := sc.Page.Click(ctx, step.Selector); err != nil {
				return res, errors.Wrapf(err, "%s", label)
			}

		case ActionAssertVisible:
			err := waitVisible(ctx, sc.Page, step.Selector, step.Timeout)
			if err != nil {
				sc.Logger.Errorf("%s failed: %v", label, err)
			}
			res.Assert(err == nil)

		case ActionAssertText:
			text, err := sc.Page.Text(ctx, step.Selector)
			passed := err == nil && strings.Contains(text, step.Text)
			if !passed {
				sc.Logger.Errorf("%s failed: want text %q, got %q (err=%v)", label, step.Text, text, err)
			}
			res.Assert(passed)

		case ActionAssertTitle:
			title, err := sc.Page.Title(ctx)
			passed := err == nil && strings.Contains(title, step.Text)
			if !passed {
				sc.Logger.Errorf("%s failed: want title containing %q, got %q", label, step.Text, title)
			}
			res.Title = title
			res.Assert(passed)

		case ActionCheckLinks:
			if linkBudget <= 0 {
				sc.Logger.Infof("%s: link check budget exhausted", label)
				continue
			}
			links, err := sc.Page.Links(ctx)
			if err != nil {
				return res, errors.Wrapf(err, "%s", label)
			}
			base, _ := sc.Page.URL(ctx)
			if base == "" {
				base = sc.Target.URL
			}
			internal := InternalLinks(base, links)
			probed := len(internal)
			if probed > linkBudget {
				probed = linkBudget
			}
			res.BrokenLinks += sc.Links.Check(ctx, internal, linkBudget, sc.Logger)
			linkBudget -= probed

		case ActionScreenshotDelay:
			if err := sleepCtx(ctx, step.Timeout); err != nil {
				return res, err
			}
		}
	}

	if res.Title == "" {
		if title, err := sc.Page.Title(ctx); err == nil {
			res.Title = title
		}
	}
	return res, nil
}

func stepLabel(i int, step Step) string {
	if step.Selector != "" {
		return fmt.Sprintf("step %d (%s %s)", i+1, step.Action, step.Selector)
	}
	return fmt.Sprintf("step %d (%s)", i+1, step.Action)
}

func waitVisible(ctx context.Context, page Page, selector string, d time.Duration) error {
	waitCtx, cancel := withWait(ctx, d)
	defer cancel()
	if err := page.WaitVisible(waitCtx, selector); err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return errors.Newf("selector not found: %s", selector)
		}
		return err
	}
	return nil
}

func waitForURLChange(ctx context.Context, page Page, from string, d time.Duration) string {
	deadline := time.Now().Add(d)
	current, _ := page.URL(ctx)
	for current == from && time.Now().Before(deadline) {
		if sleepCtx(ctx, 250*time.Millisecond) != nil {
			break
		}
		current, _ = page.URL(ctx)
	}
	return current
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
