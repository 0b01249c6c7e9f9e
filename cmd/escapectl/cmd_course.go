package main

import (
	"fmt"

	"github.com/felixgeelhaar/escape/internal/config"
	"github.com/felixgeelhaar/escape/internal/course"
	"github.com/felixgeelhaar/escape/internal/daemon"
)

// cmdCourse inspects course content
func cmdCourse(args []string) error {
	if len(args) < 1 {
		return errUsage
	}

	switch args[0] {
	case "validate":
		return cmdCourseValidate(args[1:])
	case "show":
		return cmdCourseShow()
	default:
		return fmt.Errorf("unknown course command %q: %w", args[0], errUsage)
	}
}

func cmdCourseValidate(args []string) error {
	var (
		catalog *course.Catalog
		err     error
	)
	if len(args) > 0 {
		catalog, err = course.Load(args[0])
	} else {
		catalog, err = course.Default()
	}
	if err != nil {
		return fmt.Errorf("invalid course: %w", err)
	}

	tasks := 0
	for _, d := range catalog.Days() {
		tasks += len(d.Tasks)
	}
	fmt.Printf("✓ %q is valid: %d days, %d tasks, code %s\n",
		catalog.Title(), catalog.Len(), tasks, catalog.Code())
	return nil
}

func cmdCourseShow() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	catalog, err := daemon.LoadCatalog(cfg)
	if err != nil {
		return err
	}

	fmt.Println(catalog.Title())
	fmt.Println("==================")
	for _, d := range catalog.Days() {
		fmt.Printf("\nDay %d: %s [%s]\n", d.Number, d.Title, d.CodeLetter)
		for _, t := range d.Tasks {
			block := ""
			if t.BlockID != "" {
				block = " (block " + t.BlockID + ")"
			}
			fmt.Printf("  %2d. %-7s %s%s\n", t.Number, t.Kind(), t.Title, block)
		}
	}
	return nil
}
